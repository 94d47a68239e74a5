package spool

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printhook/internal/config"
	"github.com/orrn/printhook/internal/core"
	"github.com/orrn/printhook/internal/printer"
)

type fakeDirectory struct {
	printers []printer.PrinterInfo
	err      error
}

func (f *fakeDirectory) Printers(context.Context) ([]printer.PrinterInfo, error) {
	return f.printers, f.err
}

func (f *fakeDirectory) DefaultPrinter(context.Context) (string, error) {
	for _, p := range f.printers {
		if p.IsDefault {
			return p.Name, nil
		}
	}
	return "", printer.ErrNoPrinters
}

func (f *fakeDirectory) Backend() string  { return "fake" }
func (f *fakeDirectory) Platform() string { return runtime.GOOS }

func newTestService(t *testing.T) (*Service, *core.Queue) {
	t.Helper()
	q := core.NewQueue(core.NewMemoryStore(), config.QueueConfig{
		MaxAttempts:        3,
		CompletedRetention: time.Hour,
		FailedRetention:    24 * time.Hour,
	}, nil, nil, nil)
	dir := &fakeDirectory{printers: []printer.PrinterInfo{
		{Name: "P1", IsDefault: true, IsOnline: true, Status: "idle"},
		{Name: "P2", IsOnline: true, Status: "idle"},
	}}
	return NewService(q, dir, nil), q
}

// onePagePDF builds a minimal well-formed PDF with a correct xref table.
func onePagePDF() []byte {
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func intPtr(n int) *int { return &n }

func TestSubmitPDF(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	res, err := svc.SubmitPDF(ctx, PrintPDFRequest{
		PDFData:     base64.StdEncoding.EncodeToString(onePagePDF()),
		PrinterName: "P2",
		Copies:      intPtr(2),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, res.RequestID, res.JobID)
	assert.Equal(t, QueueName, res.Queue)
	assert.Equal(t, 2, res.EstimatedPosition)

	status, found, err := svc.JobStatus(ctx, res.RequestID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, core.StateWaiting, status.State)
	assert.Equal(t, printer.KindPDF, status.Kind)
	assert.Equal(t, "P2", status.Printer)
	assert.Equal(t, 2, status.Copies)
	assert.Equal(t, 1, status.PageCount)
}

func TestSubmitText_LargeCopyCount(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	res, err := svc.SubmitText(ctx, PrintTextRequest{Text: "labels", Copies: intPtr(5000)})
	require.NoError(t, err)

	status, found, err := svc.JobStatus(ctx, res.RequestID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 5000, status.Copies)
}

func TestSubmitPDF_Defaults(t *testing.T) {
	ctx := context.Background()
	svc, q := newTestService(t)

	// Unparseable body still enqueues; only the page count is lost.
	raw := []byte("%PDF-1.7\nnot really a pdf")
	res, err := svc.SubmitPDF(ctx, PrintPDFRequest{PDFData: base64.StdEncoding.EncodeToString(raw)})
	require.NoError(t, err)

	st, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Waiting)

	status, found, err := svc.JobStatus(ctx, res.RequestID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, status.Copies)
	assert.Equal(t, 0, status.PageCount)
	assert.Empty(t, status.Printer)
}

func TestSubmitPDF_DataURI(t *testing.T) {
	svc, _ := newTestService(t)
	uri := "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(onePagePDF())

	_, err := svc.SubmitPDF(context.Background(), PrintPDFRequest{PDFData: uri})
	assert.NoError(t, err)
}

func TestSubmitPDF_Validation(t *testing.T) {
	valid := base64.StdEncoding.EncodeToString(onePagePDF())

	tests := []struct {
		name  string
		req   PrintPDFRequest
		field string
	}{
		{name: "missing data", req: PrintPDFRequest{}, field: "pdfData"},
		{name: "not base64", req: PrintPDFRequest{PDFData: "%%% nope"}, field: "pdfData"},
		{name: "not a pdf", req: PrintPDFRequest{PDFData: base64.StdEncoding.EncodeToString([]byte("hello"))}, field: "pdfData"},
		{name: "zero copies", req: PrintPDFRequest{PDFData: valid, Copies: intPtr(0)}, field: "copies"},
		{name: "negative copies", req: PrintPDFRequest{PDFData: valid, Copies: intPtr(-2)}, field: "copies"},
		{name: "paper size", req: PrintPDFRequest{PDFData: valid, PaperSize: "A3"}, field: "paperSize"},
		{name: "orientation", req: PrintPDFRequest{PDFData: valid, Orientation: "sideways"}, field: "orientation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, q := newTestService(t)
			_, err := svc.SubmitPDF(context.Background(), tt.req)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			require.NotEmpty(t, verr.Fields)
			assert.Equal(t, tt.field, verr.Fields[0].Field)

			st, err := q.Status(context.Background())
			require.NoError(t, err)
			assert.Zero(t, st.Total(), "rejected requests must not be enqueued")
		})
	}
}

func TestSubmitText(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	first, err := svc.SubmitText(ctx, PrintTextRequest{Text: "Hello", PrinterName: "P1"})
	require.NoError(t, err)
	assert.Equal(t, 2, first.EstimatedPosition)

	second, err := svc.SubmitText(ctx, PrintTextRequest{Text: "World"})
	require.NoError(t, err)
	assert.Equal(t, 3, second.EstimatedPosition)
	assert.NotEqual(t, first.RequestID, second.RequestID)

	status, found, err := svc.JobStatus(ctx, first.RequestID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, printer.KindText, status.Kind)
	assert.Equal(t, "P1", status.Printer)
}

func TestSubmitText_Empty(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.SubmitText(context.Background(), PrintTextRequest{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "text", verr.Fields[0].Field)
	assert.Equal(t, "This field is required", verr.Fields[0].Message)
	assert.Contains(t, verr.Error(), "text: This field is required")
}

func TestJobStatus_Unknown(t *testing.T) {
	svc, _ := newTestService(t)

	for _, id := range []string{"", "does-not-exist"} {
		status, found, err := svc.JobStatus(context.Background(), id)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, status)
	}
}

func TestListPrinters(t *testing.T) {
	svc, _ := newTestService(t)

	list, err := svc.ListPrinters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, list.Total)
	require.NotNil(t, list.Default)
	assert.Equal(t, "P1", *list.Default)
}

func TestListPrinters_Empty(t *testing.T) {
	q := core.NewQueue(core.NewMemoryStore(), config.QueueConfig{}, nil, nil, nil)
	svc := NewService(q, &fakeDirectory{}, nil)

	list, err := svc.ListPrinters(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, list.Printers)
	assert.Zero(t, list.Total)
	assert.Nil(t, list.Default)
}

func TestCleanQueue_KeepsPending(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.SubmitText(ctx, PrintTextRequest{Text: "keep me"})
	require.NoError(t, err)

	res, err := svc.CleanQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.CleanResult{}, res)

	st, err := svc.QueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Waiting)
}

func TestHealth(t *testing.T) {
	svc, _ := newTestService(t)

	h := svc.Health(context.Background())
	assert.Equal(t, ServiceName, h.Service)
	assert.Equal(t, core.HealthOK, h.Status)
	assert.Equal(t, 2, h.Printers.Total)
	assert.Equal(t, "P1", h.Printers.DefaultPrinter)
}
