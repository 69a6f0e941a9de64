package randomization

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// CSVHeader is the header row of an exported plan.
var CSVHeader = []string{"Subject ID", "Sleep Quality", "Sex", "Condition"}

// WriteCSV writes records as comma-separated rows under CSVHeader.
func WriteCSV(w io.Writer, records []AssignmentRecord) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("plan export csv: write header: %w", err)
	}
	for _, r := range records {
		row := []string{
			strconv.Itoa(r.SubjectID),
			string(r.SleepQuality),
			string(r.Sex),
			string(r.Condition),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("plan export csv: write record %d: %w", r.SubjectID, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("plan export csv: flush: %w", err)
	}
	return nil
}

// CSVFilename returns the download name used for a strategy's export.
func CSVFilename(strategy string) string {
	if strategy == StrategyBlock {
		return "randomization_plan_blocks.csv"
	}
	return "randomization_plan.csv"
}

// WriteTable renders a plan as a fixed-width table followed by the per-stratum
// summary.
func WriteTable(w io.Writer, p *Plan) error {
	if _, err := fmt.Fprintf(w, "%-10s %-13s %-4s %s\n", "SUBJECT ID", "SLEEP QUALITY", "SEX", "CONDITION"); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, "---------- ------------- ---- ---------"); err != nil {
		return err
	}
	for _, r := range p.Records {
		if _, err := fmt.Fprintf(w, "%-10d %-13s %-4s %s\n", r.SubjectID, r.SleepQuality, r.Sex, r.Condition); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(w, "\n%-8s %4s %4s\n", "STRATUM", "A", "B"); err != nil {
		return err
	}
	for _, s := range p.Summary {
		if _, err := fmt.Fprintf(w, "%-8s %4d %4d\n", s.Stratum, s.A, s.B); err != nil {
			return err
		}
	}
	return nil
}
