// Package contacts turns uploaded contact spreadsheets into normalized
// phone/name records.
package contacts

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/acme/campaign-dispatcher/internal/domain"
	apperrors "github.com/acme/campaign-dispatcher/pkg/errors"
)

const (
	DefaultPhoneHeader = "telefone"
	DefaultNameHeader  = "nome"
)

var (
	// ErrUnreadable means the input could not be opened or read at all.
	ErrUnreadable = fmt.Errorf("%w: contact list unreadable", apperrors.ErrValidation)
	// ErrMissingHeaders means no candidate delimiter exposed both required columns.
	ErrMissingHeaders = fmt.Errorf("%w: contact list is missing the phone or name column", apperrors.ErrValidation)
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Result carries the usable contacts plus bookkeeping about what was skipped.
type Result struct {
	Contacts  []domain.Contact
	Delimiter rune
	Rows      int
	Dropped   int
	Malformed int
	Unnamed   int
}

// Empty reports whether the load produced no usable contacts.
func (r *Result) Empty() bool {
	return r == nil || len(r.Contacts) == 0
}

type options struct {
	phoneHeader string
	nameHeader  string
	delimiters  []rune
	logger      *zap.Logger
}

// Option customizes a load.
type Option func(*options)

// WithHeaders overrides the phone and name column names.
func WithHeaders(phone, name string) Option {
	return func(o *options) {
		o.phoneHeader = phone
		o.nameHeader = name
	}
}

// WithDelimiters overrides the ordered delimiter candidates.
func WithDelimiters(delims ...rune) Option {
	return func(o *options) {
		if len(delims) > 0 {
			o.delimiters = delims
		}
	}
}

// WithLogger reports skipped rows through lg.
func WithLogger(lg *zap.Logger) Option {
	return func(o *options) {
		if lg != nil {
			o.logger = lg
		}
	}
}

func defaultOptions() options {
	return options{
		phoneHeader: DefaultPhoneHeader,
		nameHeader:  DefaultNameHeader,
		delimiters:  []rune{',', ';'},
		logger:      zap.NewNop(),
	}
}

// LoadFile opens path and loads it with Load.
func LoadFile(path string, opts ...Option) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
	}
	defer f.Close()

	return Load(f, opts...)
}

// Load parses a delimited contact list. A readable list with no usable rows
// yields an empty Result and a nil error.
func Load(r io.Reader, opts ...Option) (*Result, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	raw = bytes.TrimPrefix(raw, utf8BOM)

	for _, delim := range o.delimiters {
		res, ok, err := parse(raw, delim, &o)
		if err != nil {
			return nil, err
		}
		if ok {
			return res, nil
		}
	}

	return nil, ErrMissingHeaders
}

// parse returns ok=false when the header row under delim lacks a required column.
func parse(raw []byte, delim rune, o *options) (*Result, bool, error) {
	reader := csv.NewReader(bytes.NewReader(raw))
	reader.Comma = delim
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, false, nil
	}

	phoneIdx, nameIdx := -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case strings.ToLower(o.phoneHeader):
			phoneIdx = i
		case strings.ToLower(o.nameHeader):
			nameIdx = i
		}
	}
	if phoneIdx < 0 || nameIdx < 0 {
		return nil, false, nil
	}

	need := max(phoneIdx, nameIdx) + 1
	res := &Result{Delimiter: delim}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		res.Rows++
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				res.Malformed++
				o.logger.Debug("skipping malformed contact row", zap.Int("line", perr.Line), zap.Error(err))
				continue
			}
			return nil, false, fmt.Errorf("%w: %v", ErrUnreadable, err)
		}
		if len(record) < need {
			res.Malformed++
			o.logger.Debug("skipping short contact row", zap.Int("row", res.Rows), zap.Int("fields", len(record)))
			continue
		}

		phone := NormalizePhone(record[phoneIdx])
		if phone == "" {
			res.Dropped++
			o.logger.Debug("dropping contact without phone digits", zap.Int("row", res.Rows))
			continue
		}
		name := strings.TrimSpace(record[nameIdx])
		if name == "" {
			res.Unnamed++
			o.logger.Debug("contact has no name", zap.String("phone", phone))
		}

		res.Contacts = append(res.Contacts, domain.Contact{Phone: phone, Name: name})
	}

	return res, true, nil
}

// NormalizePhone keeps only the digits of raw.
func NormalizePhone(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
