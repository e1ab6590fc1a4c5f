package billing

import (
	"encoding/csv"
	"io"
	"sort"
	"strings"

	"github.com/warp/visit-engine/visit"
)

// ClientSummary totals one client's records.
type ClientSummary struct {
	ClientLabel      string      `json:"client_label"`
	CompletedCount   int         `json:"completed_count"`
	MissedCount      int         `json:"missed_count"`
	RescheduledCount int         `json:"rescheduled_count"`
	TotalAmount      visit.Money `json:"total_amount"`
}

// Summarize groups records by client label, sorted by label.
func Summarize(records []visit.BillingRecord) []ClientSummary {
	byLabel := map[string]*ClientSummary{}
	for _, r := range records {
		s := byLabel[r.ClientLabel]
		if s == nil {
			s = &ClientSummary{ClientLabel: r.ClientLabel}
			byLabel[r.ClientLabel] = s
		}
		switch r.Status {
		case visit.BillingCompleted:
			s.CompletedCount++
		case visit.BillingMissed:
			s.MissedCount++
		case visit.BillingRescheduled:
			s.RescheduledCount++
		}
		s.TotalAmount += r.CalculatedAmount
	}

	out := make([]ClientSummary, 0, len(byLabel))
	for _, s := range byLabel {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientLabel < out[j].ClientLabel })
	return out
}

// RecordsCSVHeader is the column order of ExportRecordsCSV.
var RecordsCSVHeader = []string{
	"visit_date", "client", "contact", "visit_type", "route_holder", "status", "amount", "warnings",
}

// ExportRecordsCSV writes one row per record; amount is in dollars.
func ExportRecordsCSV(w io.Writer, records []visit.BillingRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(RecordsCSVHeader); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.VisitDate.String(),
			r.ClientLabel,
			r.ContactName,
			r.VisitType,
			r.RouteHolderName,
			string(r.Status),
			r.CalculatedAmount.String(),
			strings.Join(r.Warnings, ";"),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
