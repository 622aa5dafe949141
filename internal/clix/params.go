package clix

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"voxshift/internal/models"
)

type PaginationParams struct {
	Limit  int
	Offset int
}

func ParsePagination(flags *pflag.FlagSet) (PaginationParams, error) {
	limit, _ := flags.GetInt("limit")
	offset, _ := flags.GetInt("offset")
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return PaginationParams{Limit: limit, Offset: offset}, nil
}

// Page returns the slice of items selected by p.
func Page[T any](items []T, p PaginationParams) []T {
	if p.Offset >= len(items) {
		return nil
	}
	end := p.Offset + p.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[p.Offset:end]
}

// ParseParams reads repeated --param key=value flags into a parameter bag.
// Values that look like booleans or numbers are stored typed.
func ParseParams(flags *pflag.FlagSet) (models.ConversionParams, error) {
	raw, _ := flags.GetStringArray("param")
	params := models.ConversionParams{}
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", kv)
		}
		params[key] = typedValue(strings.TrimSpace(value))
	}
	return params, nil
}

func typedValue(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
