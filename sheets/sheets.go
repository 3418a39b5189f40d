// Package sheets reads product reference data from Google Sheets.
package sheets

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"review-notifier/pkg/reviews"
)

// HeaderRows is the number of rows skipped at the top of every column.
const HeaderRows = 2

// DefaultSalesWorksheet is the worksheet holding remaining stock.
const DefaultSalesWorksheet = "Продажи"

// Source locates the reference data of one project group.
type Source struct {
	Group              string
	NamesSpreadsheetID string
	NamesWorksheet     string
	NameIDColumn       string // Default "C"
	NameColumn         string // Default "D"
	SalesSpreadsheetID string
	SalesWorksheet     string // Default DefaultSalesWorksheet
	SalesIDColumn      string // Default "B"
	QuantityColumn     string // Default "H"
	Threshold          int    // Default reviews.ActiveThreshold
}

func (s Source) withDefaults() Source {
	if s.NameIDColumn == "" {
		s.NameIDColumn = "C"
	}
	if s.NameColumn == "" {
		s.NameColumn = "D"
	}
	if s.SalesWorksheet == "" {
		s.SalesWorksheet = DefaultSalesWorksheet
	}
	if s.SalesIDColumn == "" {
		s.SalesIDColumn = "B"
	}
	if s.QuantityColumn == "" {
		s.QuantityColumn = "H"
	}
	if s.Threshold == 0 {
		s.Threshold = reviews.ActiveThreshold
	}
	return s
}

// Provider loads reference data via the Sheets API.
type Provider struct {
	service *gsheets.Service
	logger  *slog.Logger
	delay   time.Duration
}

// NewService creates a read-only Sheets client. opts usually carry service account credentials.
func NewService(ctx context.Context, opts ...option.ClientOption) (*gsheets.Service, error) {
	opts = append([]option.ClientOption{option.WithScopes(gsheets.SpreadsheetsReadonlyScope)}, opts...)
	return gsheets.NewService(ctx, opts...)
}

// New creates a new reference data provider.
func New(service *gsheets.Service, logger *slog.Logger) *Provider {
	return &Provider{
		service: service,
		logger:  logger,
		delay:   time.Second,
	}
}

// Load reads the name index and active product set of a group.
// Failures are returned as *reviews.ReferenceError.
func (p *Provider) Load(ctx context.Context, src Source) (*reviews.ReferenceData, error) {
	src = src.withDefaults()

	names, err := p.loadNames(ctx, src)
	if err != nil {
		return nil, &reviews.ReferenceError{Group: src.Group, Sheet: src.NamesWorksheet, Err: err}
	}

	active, err := p.loadActive(ctx, src)
	if err != nil {
		return nil, &reviews.ReferenceError{Group: src.Group, Sheet: src.SalesWorksheet, Err: err}
	}

	p.logger.Info("Reference data loaded",
		"group", src.Group,
		"names", len(names),
		"active_products", len(active))

	return &reviews.ReferenceData{Names: names, Active: active}, nil
}

func (p *Provider) loadNames(ctx context.Context, src Source) (reviews.ProductNameIndex, error) {
	cols, err := p.batchGet(ctx, src.NamesSpreadsheetID, columnRange(src.NamesWorksheet, src.NameIDColumn), columnRange(src.NamesWorksheet, src.NameColumn))
	if err != nil {
		return nil, err
	}
	return ParseNameIndex(cols[0], cols[1]), nil
}

func (p *Provider) loadActive(ctx context.Context, src Source) (reviews.ActiveProductSet, error) {
	cols, err := p.batchGet(ctx, src.SalesSpreadsheetID, columnRange(src.SalesWorksheet, src.SalesIDColumn), columnRange(src.SalesWorksheet, src.QuantityColumn))
	if err != nil {
		return nil, err
	}
	return ParseActiveSet(cols[0], cols[1], src.Threshold)
}

// batchGet returns one flattened column per range.
func (p *Provider) batchGet(ctx context.Context, spreadsheetID string, ranges ...string) ([][]string, error) {
	var resp *gsheets.BatchGetValuesResponse

	err := retry.Do(
		func() error {
			startTime := time.Now()
			var err error
			resp, err = p.service.Spreadsheets.Values.BatchGet(spreadsheetID).
				Ranges(ranges...).
				MajorDimension("COLUMNS").
				Context(ctx).
				Do()
			if err != nil {
				p.logger.Warn("Sheets API request failed, will retry",
					"spreadsheet_id", spreadsheetID,
					"duration_ms", time.Since(startTime).Milliseconds(),
					"error", err)
				return err
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(p.delay),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(p.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Info("Retrying sheets read after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("batch get %v: %w", ranges, err)
	}

	cols := make([][]string, len(ranges))
	for i, vr := range resp.ValueRanges {
		if i >= len(cols) {
			break
		}
		if len(vr.Values) > 0 {
			cols[i] = cellStrings(vr.Values[0])
		}
	}
	return cols, nil
}

func columnRange(worksheet, column string) string {
	return fmt.Sprintf("'%s'!%s:%s", strings.ReplaceAll(worksheet, "'", "''"), column, column)
}

func cellStrings(cells []any) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = strings.TrimSpace(fmt.Sprint(c))
	}
	return out
}

// ParseNameIndex pairs product IDs with names row by row after the header rows.
// Rows whose ID is not all digits are ignored.
func ParseNameIndex(ids, names []string) reviews.ProductNameIndex {
	index := make(reviews.ProductNameIndex)
	for row := HeaderRows; row < len(ids); row++ {
		id, ok := parseID(ids[row])
		if !ok {
			continue
		}
		name := ""
		if row < len(names) {
			name = names[row]
		}
		index[id] = name
	}
	return index
}

// ParseActiveSet pairs product IDs with remaining quantity and keeps quantities above threshold.
// Thousands separators are stripped before parsing.
func ParseActiveSet(ids, quantities []string, threshold int) (reviews.ActiveProductSet, error) {
	active := make(reviews.ActiveProductSet)
	for row := HeaderRows; row < len(ids); row++ {
		if ids[row] == "" {
			continue
		}
		id, ok := parseID(ids[row])
		if !ok {
			return nil, fmt.Errorf("row %d: invalid product id %q", row+1, ids[row])
		}
		if row >= len(quantities) || quantities[row] == "" {
			continue
		}
		qty, err := ParseQuantity(quantities[row])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row+1, err)
		}
		if qty > threshold {
			active[id] = qty
		}
	}
	return active, nil
}

var thousandsSeparators = strings.NewReplacer("\u00a0", "", "\u202f", "", " ", "", ",", "")

// ParseQuantity parses an integer cell such as "1 234".
func ParseQuantity(s string) (int, error) {
	qty, err := strconv.Atoi(thousandsSeparators.Replace(strings.TrimSpace(s)))
	if err != nil {
		return 0, fmt.Errorf("invalid quantity %q", s)
	}
	return qty, nil
}

func parseID(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	id, err := strconv.ParseInt(s, 10, 64)
	return id, err == nil
}
