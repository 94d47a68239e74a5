package printer

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSpooler struct {
	mu       sync.Mutex
	printers []PrinterInfo
	listErr  error
	def      string
	defErr   error
	jobs     []NativeJob
	// print decides how Print reports back; nil means immediate success.
	print   func(job NativeJob, onSuccess func(string), onError func(error))
	pending bool
}

func (f *fakeSpooler) Printers() ([]PrinterInfo, error) { return f.printers, f.listErr }
func (f *fakeSpooler) DefaultPrinter() (string, error)  { return f.def, f.defErr }

func (f *fakeSpooler) Print(job NativeJob, onSuccess func(string), onError func(error)) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
	if f.print != nil {
		f.print(job, onSuccess, onError)
		return
	}
	go onSuccess("17")
}

func (f *fakeSpooler) JobPending(string, string) (bool, error) { return f.pending, nil }

func TestNative_SubmitSuccess(t *testing.T) {
	sp := &fakeSpooler{}
	spool := newTestSpool(t, 0)
	b := NewNativeBackend(sp, spool, nil)

	jobID, err := b.Submit(context.Background(), Document{Kind: KindPDF, Data: []byte("%PDF-1.7"), Printer: "HP", Copies: 3})
	require.NoError(t, err)
	assert.Equal(t, "17", jobID)

	require.Len(t, sp.jobs, 1)
	job := sp.jobs[0]
	assert.Equal(t, "HP", job.Printer)
	assert.Equal(t, 3, job.Copies)
	assert.Equal(t, "RAW", job.DataType)
	assert.NotEmpty(t, job.Path)

	assert.Eventually(t, func() bool {
		_, err := os.Stat(job.Path)
		return os.IsNotExist(err)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNative_SubmitText(t *testing.T) {
	sp := &fakeSpooler{}
	b := NewNativeBackend(sp, nil, nil)

	_, err := b.Submit(context.Background(), Document{Kind: KindText, Data: []byte("hi"), Printer: "HP"})
	require.NoError(t, err)
	assert.Equal(t, "TEXT", sp.jobs[0].DataType)
	assert.Equal(t, []byte("hi"), sp.jobs[0].Data)
	assert.Empty(t, sp.jobs[0].Path)
}

func TestNative_SubmitErrorRemovesFile(t *testing.T) {
	sp := &fakeSpooler{print: func(_ NativeJob, _ func(string), onError func(error)) {
		onError(errors.New("access denied"))
	}}
	spool := newTestSpool(t, time.Hour)
	b := NewNativeBackend(sp, spool, nil)

	_, err := b.Submit(context.Background(), Document{Kind: KindPDF, Data: []byte("%PDF-"), Printer: "HP"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSubmission)

	_, statErr := os.Stat(sp.jobs[0].Path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestNative_SubmitHonorsContext(t *testing.T) {
	sp := &fakeSpooler{print: func(NativeJob, func(string), func(error)) {}}
	b := NewNativeBackend(sp, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Submit(ctx, Document{Kind: KindText, Data: []byte("x"), Printer: "HP"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNative_LateCallbacksDoNotBlock(t *testing.T) {
	sp := &fakeSpooler{print: func(_ NativeJob, onSuccess func(string), onError func(error)) {
		onSuccess("1")
		onError(errors.New("late"))
		onSuccess("2")
	}}
	b := NewNativeBackend(sp, nil, nil)

	jobID, err := b.Submit(context.Background(), Document{Kind: KindText, Data: []byte("x"), Printer: "HP"})
	require.NoError(t, err)
	assert.Equal(t, "1", jobID)
}

func TestNative_AbandonedCallHoldsSpooler(t *testing.T) {
	var held func(string)
	var mu sync.Mutex
	sp := &fakeSpooler{print: func(_ NativeJob, onSuccess func(string), _ func(error)) {
		mu.Lock()
		defer mu.Unlock()
		if held == nil {
			held = onSuccess
			return
		}
		go onSuccess("2")
	}}
	b := NewNativeBackend(sp, nil, nil)
	doc := Document{Kind: KindText, Data: []byte("x"), Printer: "HP"}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Submit(ctx, doc)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	_, err = b.Submit(ctx2, doc)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	sp.mu.Lock()
	assert.Len(t, sp.jobs, 1)
	sp.mu.Unlock()

	mu.Lock()
	held("1")
	mu.Unlock()

	jobID, err := b.Submit(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, "2", jobID)
}

func TestNative_PrintersFallback(t *testing.T) {
	b := NewNativeBackend(&fakeSpooler{listErr: errors.New("rpc unavailable"), def: "HP"}, nil, nil)
	printers, err := b.Printers(context.Background())
	require.NoError(t, err)
	require.Len(t, printers, 1)
	assert.Equal(t, "HP", printers[0].Name)
	assert.True(t, printers[0].IsDefault)

	b = NewNativeBackend(&fakeSpooler{listErr: errors.New("x"), defErr: errors.New("y")}, nil, nil)
	printers, err = b.Printers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []PrinterInfo{virtualPrinter()}, printers)
}

func TestNative_DefaultPrinter(t *testing.T) {
	b := NewNativeBackend(&fakeSpooler{def: "HP"}, nil, nil)
	def, err := b.DefaultPrinter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "HP", def)

	b = NewNativeBackend(&fakeSpooler{printers: []PrinterInfo{{Name: "A"}, {Name: "B", IsDefault: true}}}, nil, nil)
	def, err = b.DefaultPrinter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "B", def)
}
