package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/br"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/Isaquewa/estoqueapp-sub000/internal/model"
)

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(br.All...)
	w.Add(common.All...)
	return w
}()

// parseDate accepts a calendar date (2026-05-31) or a natural-language
// expression such as "next friday" or "em 3 dias", relative to now. It
// returns the date in model.DateLayout.
func parseDate(s string, now time.Time) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	if t, err := time.Parse(model.DateLayout, s); err == nil {
		return t.Format(model.DateLayout), nil
	}

	r, err := dateParser.Parse(s, now)
	if err != nil {
		return "", fmt.Errorf("failed to parse date %q: %w", s, err)
	}
	if r == nil {
		return "", fmt.Errorf("unrecognised date %q (use YYYY-MM-DD or e.g. \"next friday\")", s)
	}
	return r.Time.Format(model.DateLayout), nil
}
