package factory

import (
	"encoding/json"
	"fmt"

	"github.com/warp/visit-engine/visit"
)

// BillingClientJSON is the JSON representation of a billing client.
// Rates are dollar strings ("35.00") and are converted to integer cents.
//
//	{
//	  "label": "acme",
//	  "billing_model": "hourly",
//	  "rate": "35.00",
//	  "stop_type_rates": {"inspection": "50.00"},
//	  "bill_missed_visits": false
//	}
type BillingClientJSON struct {
	Label            string            `json:"label"`
	BillingModel     string            `json:"billing_model"`
	Rate             string            `json:"rate,omitempty"`
	StopTypeRates    map[string]string `json:"stop_type_rates,omitempty"`
	BillMissedVisits *bool             `json:"bill_missed_visits,omitempty"`
}

// ClientFactory creates billing clients. BillMissedDefault applies when the
// JSON does not say.
type ClientFactory struct {
	BillMissedDefault bool
}

func NewClientFactory(billMissedDefault bool) *ClientFactory {
	return &ClientFactory{BillMissedDefault: billMissedDefault}
}

// ParseClient parses and validates a JSON billing client.
func (f *ClientFactory) ParseClient(owner visit.OwnerID, jsonStr string) (visit.BillingClient, error) {
	var cj BillingClientJSON
	if err := json.Unmarshal([]byte(jsonStr), &cj); err != nil {
		return visit.BillingClient{}, &visit.ValidationError{Field: "client", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return f.FromJSON(owner, cj)
}

// FromJSON converts and validates.
func (f *ClientFactory) FromJSON(owner visit.OwnerID, cj BillingClientJSON) (visit.BillingClient, error) {
	c := visit.BillingClient{
		OwnerID:          owner,
		Label:            cj.Label,
		Model:            visit.BillingModel(cj.BillingModel),
		BillMissedVisits: f.BillMissedDefault,
	}
	if cj.BillMissedVisits != nil {
		c.BillMissedVisits = *cj.BillMissedVisits
	}

	if c.Label == "" {
		return c, &visit.ValidationError{Field: "label", Message: "required"}
	}
	if !c.Model.Valid() {
		return c, &visit.ValidationError{Field: "billing_model", Message: fmt.Sprintf("unknown model %q", cj.BillingModel)}
	}

	if cj.Rate != "" {
		r, err := parseRate("rate", cj.Rate)
		if err != nil {
			return c, err
		}
		c.Rate = &r
	}
	if len(cj.StopTypeRates) > 0 {
		c.StopTypeRates = make(map[string]visit.Money, len(cj.StopTypeRates))
		for stopType, s := range cj.StopTypeRates {
			r, err := parseRate("stop_type_rates."+stopType, s)
			if err != nil {
				return c, err
			}
			c.StopTypeRates[stopType] = r
		}
	}
	return c, nil
}

// ClientToJSON is the inverse of FromJSON.
func ClientToJSON(c visit.BillingClient) BillingClientJSON {
	bill := c.BillMissedVisits
	cj := BillingClientJSON{
		Label:            c.Label,
		BillingModel:     string(c.Model),
		BillMissedVisits: &bill,
	}
	if c.Rate != nil {
		cj.Rate = c.Rate.String()
	}
	if len(c.StopTypeRates) > 0 {
		cj.StopTypeRates = make(map[string]string, len(c.StopTypeRates))
		for k, r := range c.StopTypeRates {
			cj.StopTypeRates[k] = r.String()
		}
	}
	return cj
}

func parseRate(field, s string) (visit.Money, error) {
	m, err := visit.ParseMoney(s)
	if err != nil {
		return 0, &visit.ValidationError{Field: field, Message: err.Error()}
	}
	if m < 0 {
		return 0, &visit.ValidationError{Field: field, Message: "must not be negative"}
	}
	return m, nil
}
