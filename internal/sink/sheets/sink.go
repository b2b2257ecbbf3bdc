// Package sheetsink writes classified links to a Google Sheets spreadsheet,
// one worksheet per bucket.
package sheetsink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/JakeFAU/flounder/internal/link"
)

const (
	valueInputOption = "USER_ENTERED"
	insertDataOption = "INSERT_ROWS"
	newSheetRows     = 1000

	// loadKey collapses concurrent spreadsheet lookups. Worksheet titles
	// never contain NUL.
	loadKey = "\x00load"
)

type tabState int

const (
	tabMissing tabState = iota
	tabNeedsHeader
	tabReady
)

// Config controls the Sheets client.
type Config struct {
	SpreadsheetID   string
	CredentialsFile string
}

// Sink appends rows to the worksheet named after each row's bucket.
type Sink struct {
	svc           *sheets.Service
	spreadsheetID string
	logger        *zap.Logger

	group singleflight.Group

	mu     sync.Mutex
	loaded bool
	tabs   map[string]tabState
}

// New builds a Sink authenticated with the service account in cfg.
// Extra client options are appended after the credentials option.
func New(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Sink, error) {
	if cfg.SpreadsheetID == "" {
		return nil, errors.New("sink.sheets.spreadsheet_id is required")
	}
	clientOpts := []option.ClientOption{option.WithScopes(sheets.SpreadsheetsScope)}
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	clientOpts = append(clientOpts, opts...)

	svc, err := sheets.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return NewWithService(svc, cfg.SpreadsheetID, logger), nil
}

// NewWithService wraps an existing Sheets service.
func NewWithService(svc *sheets.Service, spreadsheetID string, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		logger:        logger,
		tabs:          make(map[string]tabState),
	}
}

// Append writes row to its bucket's worksheet, creating the worksheet with a
// header row on first use.
func (s *Sink) Append(ctx context.Context, row link.Row) error {
	if err := s.ensureTab(ctx, row.Bucket); err != nil {
		return err
	}
	if err := s.appendValues(ctx, row.Bucket, row.Values()); err != nil {
		if isStatus(err, http.StatusBadRequest) {
			// The worksheet may have been removed; look it up again next time.
			s.setState(row.Bucket, tabMissing)
		}
		return fmt.Errorf("append row to %q: %w", row.Bucket, err)
	}
	s.logger.Debug("row appended", zap.String("bucket", row.Bucket), zap.String("url", row.URL))
	return nil
}

// ensureTab makes sure bucket has a worksheet with a header row. Creation is
// collapsed per bucket, so concurrent first writes create one worksheet and
// writes to already known buckets never wait on it.
func (s *Sink) ensureTab(ctx context.Context, bucket string) error {
	if s.state(bucket) == tabReady {
		return nil
	}
	_, err, _ := s.group.Do(bucket, func() (any, error) {
		return nil, s.createTab(ctx, bucket)
	})
	return err
}

func (s *Sink) createTab(ctx context.Context, bucket string) error {
	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}
	switch s.state(bucket) {
	case tabReady:
		return nil
	case tabMissing:
		if err := s.addSheet(ctx, bucket); err != nil {
			if !isAlreadyExists(err) {
				return fmt.Errorf("add sheet %q: %w", bucket, err)
			}
			s.logger.Info("worksheet already present", zap.String("bucket", bucket))
			return s.refreshTabs(ctx)
		}
		s.setState(bucket, tabNeedsHeader)
		s.logger.Info("worksheet created", zap.String("bucket", bucket))
	}
	if err := s.appendValues(ctx, bucket, link.Header); err != nil {
		return fmt.Errorf("write header to %q: %w", bucket, err)
	}
	s.setState(bucket, tabReady)
	return nil
}

func (s *Sink) addSheet(ctx context.Context, bucket string) error {
	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AddSheet: &sheets.AddSheetRequest{
				Properties: &sheets.SheetProperties{
					Title: bucket,
					GridProperties: &sheets.GridProperties{
						RowCount:    newSheetRows,
						ColumnCount: int64(len(link.Header)),
					},
				},
			},
		}},
	}
	_, err := s.svc.Spreadsheets.BatchUpdate(s.spreadsheetID, req).Context(ctx).Do()
	return err
}

func (s *Sink) ensureLoaded(ctx context.Context) error {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()
	if loaded {
		return nil
	}
	_, err, _ := s.group.Do(loadKey, func() (any, error) {
		return nil, s.refreshTabs(ctx)
	})
	return err
}

// refreshTabs marks every worksheet in the spreadsheet as ready. Worksheets
// still waiting for their header keep that state.
func (s *Sink) refreshTabs(ctx context.Context) error {
	doc, err := s.svc.Spreadsheets.Get(s.spreadsheetID).
		Fields("sheets.properties.title").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("load spreadsheet %s: %w", s.spreadsheetID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sh := range doc.Sheets {
		if sh == nil || sh.Properties == nil {
			continue
		}
		if s.tabs[sh.Properties.Title] == tabMissing {
			s.tabs[sh.Properties.Title] = tabReady
		}
	}
	s.loaded = true
	return nil
}

func (s *Sink) state(bucket string) tabState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return tabMissing
	}
	return s.tabs[bucket]
}

func (s *Sink) setState(bucket string, st tabState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st == tabMissing {
		delete(s.tabs, bucket)
		return
	}
	s.tabs[bucket] = st
}

func isStatus(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}

func isAlreadyExists(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) || gerr.Code != http.StatusBadRequest {
		return false
	}
	return strings.Contains(strings.ToLower(gerr.Message), "already exists")
}

func (s *Sink) appendValues(ctx context.Context, bucket string, values []string) error {
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	_, err := s.svc.Spreadsheets.Values.
		Append(s.spreadsheetID, sheetRange(bucket), &sheets.ValueRange{Values: [][]interface{}{cells}}).
		ValueInputOption(valueInputOption).
		InsertDataOption(insertDataOption).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("values append: %w", err)
	}
	return nil
}

// sheetRange addresses the first cell of a worksheet in A1 notation.
func sheetRange(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'!A1"
}
