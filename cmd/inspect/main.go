package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/danielpatrickdp/triage-station/internal/audit"
)

// #region main

func main() {
	dbPath := flag.String("db", "triage-station.db", "path to the audit database")
	last := flag.Int("last", 20, "show N most recent records")
	id := flag.String("id", "", "show single examination detail")
	transitions := flag.Bool("transitions", false, "show the state transition log instead of examinations")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	store, err := audit.NewStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch {
	case *id != "":
		err = runDetailMode(store, *id, *jsonOut)
	case *transitions:
		err = runTransitionMode(store, *last, *jsonOut)
	default:
		err = runListMode(store, *last, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region list-mode

func runListMode(store *audit.Store, last int, jsonOut bool) error {
	records, err := store.ListExaminations(last)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stderr, "no examinations found")
		return nil
	}

	if jsonOut {
		return printJSON(records)
	}

	fmt.Printf("%-12s  %-6s  %-7s  %6s  %-12s  %-8s  %s\n",
		"Examination", "Mode", "Risk", "Score", "Urgency", "Referral", "Time")
	fmt.Printf("%-12s+-%-6s+-%-7s+-%6s+-%-12s+-%-8s+-%s\n",
		"------------", "------", "-------", "------", "------------", "--------", "--------------------")
	for _, r := range records {
		fmt.Printf("%-12s  %-6s  %-7s  %6.2f  %-12s  %-8v  %s\n",
			shortID(r.ExaminationID), r.Mode, r.RiskLevel, r.RiskScore,
			r.Urgency, r.Referral, r.CreatedAt.Format("2006-01-02T15:04:05Z"))
	}
	return nil
}

// #endregion list-mode

// #region detail-mode

func runDetailMode(store *audit.Store, id string, jsonOut bool) error {
	rec, err := store.GetExamination(id)
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(rec)
	}

	d := rec.Results.Decision
	fmt.Printf("Examination: %s\n", rec.ExaminationID)
	fmt.Printf("Mode:        %s\n", rec.Mode)
	fmt.Printf("Started:     %s\n", rec.StartedAt.Format("2006-01-02T15:04:05Z"))
	fmt.Printf("Risk:        %s (%.2f)\n", d.RiskLevel, d.RiskScore)
	fmt.Printf("Urgency:     %s\n", d.Urgency)
	fmt.Printf("Referral:    %v\n", d.RequiresReferral)
	fmt.Printf("Confidence:  %.2f\n", d.Confidence)
	fmt.Printf("Inference:   %s\n", rec.Results.InferenceTime)

	if len(d.RiskFactors) > 0 {
		fmt.Printf("\nRisk factors:\n")
		for _, f := range d.RiskFactors {
			fmt.Printf("  - %s\n", f)
		}
	}
	if len(d.Recommendations) > 0 {
		fmt.Printf("\nRecommendations:\n")
		for _, r := range d.Recommendations {
			fmt.Printf("  - %s\n", r)
		}
	}
	if d.Explanation != "" {
		fmt.Printf("\n%s\n", strings.TrimSpace(d.Explanation))
	}
	return nil
}

// #endregion detail-mode

// #region transition-mode

func runTransitionMode(store *audit.Store, last int, jsonOut bool) error {
	records, err := store.ListTransitions(last)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stderr, "no transitions found")
		return nil
	}

	if jsonOut {
		return printJSON(records)
	}

	fmt.Printf("%6s  %-16s  %-16s  %-6s  %-20s  %s\n",
		"ID", "From", "To", "Forced", "Time", "Reason")
	fmt.Printf("%6s+-%-16s+-%-16s+-%-6s+-%-20s+-%s\n",
		"------", "----------------", "----------------", "------", "--------------------", "--------")
	for _, r := range records {
		fmt.Printf("%6d  %-16s  %-16s  %-6v  %-20s  %s\n",
			r.ID, r.FromState, r.ToState, r.Forced,
			r.At.Format("2006-01-02T15:04:05Z"), r.Reason)
	}
	return nil
}

// #endregion transition-mode

// #region output

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
