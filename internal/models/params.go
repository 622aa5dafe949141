package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Keys derived by the server and forwarded to the inference service.
// Callers may not set them.
const (
	ParamSongInput = "song_input"
	ParamRVCModel  = "rvc_model"
)

var reservedParams = []string{ParamSongInput, ParamRVCModel}

// ConversionParams holds model-specific parameters forwarded verbatim to the
// inference service.
type ConversionParams map[string]any

// Validate rejects payloads that try to set a derived key.
func (p ConversionParams) Validate() error {
	for _, k := range reservedParams {
		if _, ok := p[k]; ok {
			return fmt.Errorf("%w: %q is set by the server", ErrReservedParam, k)
		}
	}
	return nil
}

// WithDerived returns a copy of p with the derived keys filled in.
func (p ConversionParams) WithDerived(songInput, model string) map[string]any {
	out := make(map[string]any, len(p)+len(reservedParams))
	for k, v := range p {
		out[k] = v
	}
	out[ParamSongInput] = songInput
	out[ParamRVCModel] = model
	return out
}

// Value stores the bag as JSON.
func (p ConversionParams) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// Scan loads the bag from a JSON column.
func (p *ConversionParams) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*p = ConversionParams{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scan conversion params: unsupported type %T", src)
	}
	out := ConversionParams{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("scan conversion params: %w", err)
		}
	}
	*p = out
	return nil
}
