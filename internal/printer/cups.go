package printer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var requestIDPattern = regexp.MustCompile(`request id is (\S+)`)

var cupsMedia = map[string]string{
	"A4":     "A4",
	"A5":     "A5",
	"LETTER": "Letter",
	"LEGAL":  "Legal",
}

type CUPSOptions struct {
	LpPath     string
	LpstatPath string
	LpinfoPath string
	Runner     Runner
	Spool      *SpoolFiles
	Logger     *zap.Logger
}

// CUPSBackend drives the lp/lpstat/lpinfo command-line tools.
type CUPSBackend struct {
	lp     string
	lpstat string
	lpinfo string
	runner Runner
	spool  *SpoolFiles
	logger *zap.Logger
}

func NewCUPSBackend(opts CUPSOptions) *CUPSBackend {
	b := &CUPSBackend{
		lp:     opts.LpPath,
		lpstat: opts.LpstatPath,
		lpinfo: opts.LpinfoPath,
		runner: opts.Runner,
		spool:  opts.Spool,
		logger: opts.Logger,
	}
	if b.lp == "" {
		b.lp = "lp"
	}
	if b.lpstat == "" {
		b.lpstat = "lpstat"
	}
	if b.lpinfo == "" {
		b.lpinfo = "lpinfo"
	}
	if b.runner == nil {
		b.runner = execRunner{}
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	return b
}

func (b *CUPSBackend) Name() string { return "cups" }

// Printers never fails: when lpstat has nothing it falls back to the device
// list, and from there to a single virtual printer.
func (b *CUPSBackend) Printers(ctx context.Context) ([]PrinterInfo, error) {
	out, err := b.runner.Run(ctx, nil, b.lpstat, "-p")
	if err != nil {
		b.logger.Warn("lpstat -p failed, trying device list", zap.Error(err))
	}
	printers := parseLpstatPrinters(out)

	if len(printers) == 0 {
		return b.devicePrinters(ctx), nil
	}

	if def, ok := b.systemDefault(ctx); ok {
		for i := range printers {
			printers[i].IsDefault = printers[i].Name == def
		}
	}
	return printers, nil
}

func (b *CUPSBackend) DefaultPrinter(ctx context.Context) (string, error) {
	if def, ok := b.systemDefault(ctx); ok {
		return def, nil
	}

	printers, err := b.Printers(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range printers {
		if p.IsDefault {
			return p.Name, nil
		}
	}
	if len(printers) > 0 {
		return printers[0].Name, nil
	}
	return "", ErrNoPrinters
}

func (b *CUPSBackend) Submit(ctx context.Context, doc Document) (string, error) {
	args := []string{"-d", doc.Printer, "-n", strconv.Itoa(copiesOrOne(doc.Copies))}
	if doc.Title != "" {
		args = append(args, "-t", doc.Title)
	}

	switch doc.Kind {
	case KindPDF:
		if b.spool == nil {
			return "", fmt.Errorf("%w: no spool directory configured", ErrSubmission)
		}
		args = append(args, pdfOptions(doc)...)

		path, err := b.spool.Write(doc.Data, ".pdf")
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSubmission, err)
		}

		out, err := b.runner.Run(ctx, nil, b.lp, append(args, path)...)
		if err != nil {
			b.spool.Remove(path)
			return "", fmt.Errorf("%w: %v", ErrSubmission, err)
		}

		jobID := extractJobID(out)
		printerName := doc.Printer
		b.spool.Release(path, func() bool {
			return b.jobPending(printerName, jobID)
		})
		return jobID, nil

	case KindText:
		out, err := b.runner.Run(ctx, bytes.NewReader(doc.Data), b.lp, args...)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSubmission, err)
		}
		return extractJobID(out), nil

	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, doc.Kind)
	}
}

func (b *CUPSBackend) systemDefault(ctx context.Context) (string, bool) {
	out, err := b.runner.Run(ctx, nil, b.lpstat, "-d")
	if err != nil {
		return "", false
	}
	return parseLpstatDefault(out)
}

func (b *CUPSBackend) devicePrinters(ctx context.Context) []PrinterInfo {
	out, err := b.runner.Run(ctx, nil, b.lpinfo, "-v")
	if err != nil {
		b.logger.Warn("lpinfo -v failed, using virtual printer", zap.Error(err))
		return []PrinterInfo{virtualPrinter()}
	}

	printers := parseLpinfoDevices(out)
	if len(printers) == 0 {
		return []PrinterInfo{virtualPrinter()}
	}
	return printers
}

// jobPending reports whether lpstat still lists jobID in the printer's queue.
func (b *CUPSBackend) jobPending(printerName, jobID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := b.runner.Run(ctx, nil, b.lpstat, "-o", printerName)
	if err != nil {
		return false
	}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 && fields[0] == jobID {
			return true
		}
	}
	return false
}

func pdfOptions(doc Document) []string {
	var opts []string
	if media, ok := cupsMedia[strings.ToUpper(doc.PaperSize)]; ok {
		opts = append(opts, "-o", "media="+media)
	}
	switch strings.ToLower(doc.Orientation) {
	case "landscape":
		opts = append(opts, "-o", "orientation-requested=4")
	case "portrait":
		opts = append(opts, "-o", "orientation-requested=3")
	}
	return opts
}

func extractJobID(out []byte) string {
	if m := requestIDPattern.FindSubmatch(out); m != nil {
		return string(m[1])
	}
	return fmt.Sprintf("cups-%d", time.Now().UnixMilli())
}

// parseLpstatPrinters reads `lpstat -p` lines such as
// "printer Office is idle.  enabled since Tue 01 Oct 2024".
func parseLpstatPrinters(out []byte) []PrinterInfo {
	var printers []PrinterInfo
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "printer ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		info := PrinterInfo{Name: fields[1], Status: "ready", IsOnline: true}
		switch {
		case strings.Contains(line, "disabled"):
			info.Status = "disabled"
			info.IsOnline = false
		case strings.Contains(line, "now printing"):
			info.Status = "printing"
		}
		printers = append(printers, info)
	}
	return printers
}

func parseLpstatDefault(out []byte) (string, bool) {
	const marker = "system default destination:"
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if idx := strings.Index(line, marker); idx >= 0 {
			name := strings.TrimSpace(line[idx+len(marker):])
			if name != "" {
				return name, true
			}
		}
	}
	return "", false
}

// parseLpinfoDevices reads `lpinfo -v` lines such as
// "network ipp://host/printers/Office". The first device is the default.
func parseLpinfoDevices(out []byte) []PrinterInfo {
	var printers []PrinterInfo
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.Contains(line, "://") {
			continue
		}
		fields := strings.Fields(line)
		uri := fields[len(fields)-1]
		name, _, _ := strings.Cut(uri, "?")
		name = strings.TrimRight(name, "/")
		if idx := strings.LastIndex(name, "/"); idx >= 0 {
			name = name[idx+1:]
		}
		if name == "" {
			continue
		}
		printers = append(printers, PrinterInfo{
			Name:        name,
			IsDefault:   len(printers) == 0,
			Status:      "unknown",
			IsOnline:    true,
			Description: uri,
		})
	}
	return printers
}
