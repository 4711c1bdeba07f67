package sheet

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// GoogleTransport implements Transport against the Sheets API using a
// service-account key. The gateway owns retry; this layer only classifies.
type GoogleTransport struct {
	svc           *sheets.Service
	spreadsheetID string
}

// NewGoogleTransport builds a transport from a service-account key file.
// The key is read once; rotation is outside the core.
func NewGoogleTransport(ctx context.Context, spreadsheetID, credentialsFile string) (*GoogleTransport, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("sheet: read credentials %s: %w", credentialsFile, err)
	}
	jwtCfg, err := google.JWTConfigFromJSON(data, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("sheet: parse service-account key: %w", err)
	}
	svc, err := sheets.NewService(ctx, option.WithHTTPClient(jwtCfg.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("sheet: sheets service: %w", err)
	}
	return &GoogleTransport{svc: svc, spreadsheetID: spreadsheetID}, nil
}

func (t *GoogleTransport) GetGrid(ctx context.Context, tab, rng string) ([][]string, error) {
	resp, err := t.svc.Spreadsheets.Values.
		Get(t.spreadsheetID, tab+"!"+rng).
		Context(ctx).Do()
	if err != nil {
		return nil, classifyGoogleErr("get "+tab, err)
	}
	grid := make([][]string, 0, len(resp.Values))
	for _, row := range resp.Values {
		cells := make([]string, 0, len(row))
		for _, v := range row {
			cells = append(cells, fmt.Sprint(v))
		}
		grid = append(grid, cells)
	}
	return grid, nil
}

func (t *GoogleTransport) UpdateCell(ctx context.Context, tab, cellA1, value string) error {
	vr := &sheets.ValueRange{Values: [][]interface{}{{value}}}
	_, err := t.svc.Spreadsheets.Values.
		Update(t.spreadsheetID, tab+"!"+cellA1, vr).
		ValueInputOption("RAW").
		Context(ctx).Do()
	if err != nil {
		return classifyGoogleErr("update "+tab+"!"+cellA1, err)
	}
	return nil
}

func (t *GoogleTransport) BatchUpdate(ctx context.Context, tab string, updates []CellUpdate) error {
	data := make([]*sheets.ValueRange, 0, len(updates))
	for _, u := range updates {
		data = append(data, &sheets.ValueRange{
			Range:  tab + "!" + u.CellA1,
			Values: [][]interface{}{{u.Value}},
		})
	}
	req := &sheets.BatchUpdateValuesRequest{
		ValueInputOption: "RAW",
		Data:             data,
	}
	_, err := t.svc.Spreadsheets.Values.
		BatchUpdate(t.spreadsheetID, req).
		Context(ctx).Do()
	if err != nil {
		return classifyGoogleErr("batch update "+tab, err)
	}
	return nil
}

func (t *GoogleTransport) ListTabs(ctx context.Context) ([]string, error) {
	resp, err := t.svc.Spreadsheets.
		Get(t.spreadsheetID).
		Fields("sheets.properties.title").
		Context(ctx).Do()
	if err != nil {
		return nil, classifyGoogleErr("list tabs", err)
	}
	tabs := make([]string, 0, len(resp.Sheets))
	for _, s := range resp.Sheets {
		if s.Properties != nil {
			tabs = append(tabs, s.Properties.Title)
		}
	}
	return tabs, nil
}

func (t *GoogleTransport) AddTab(ctx context.Context, name string) error {
	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AddSheet: &sheets.AddSheetRequest{
				Properties: &sheets.SheetProperties{Title: name},
			},
		}},
	}
	_, err := t.svc.Spreadsheets.
		BatchUpdate(t.spreadsheetID, req).
		Context(ctx).Do()
	if err != nil {
		return classifyGoogleErr("add tab "+name, err)
	}
	return nil
}

func classifyGoogleErr(op string, err error) error {
	if apiErr, ok := err.(*googleapi.Error); ok {
		switch apiErr.Code {
		case 401, 403:
			return &PermissionError{Op: op, Err: err}
		case 404:
			return &NotFoundError{Op: op, Err: err}
		}
	}
	return fmt.Errorf("sheet: %s: %w", op, err)
}
