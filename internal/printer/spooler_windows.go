//go:build windows

package printer

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/alexbrainman/printer"
)

type winSpooler struct{}

func newPlatformSpooler() (NativeSpooler, error) {
	if _, err := printer.ReadNames(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return winSpooler{}, nil
}

func (winSpooler) Printers() ([]PrinterInfo, error) {
	names, err := printer.ReadNames()
	if err != nil {
		return nil, err
	}
	def, _ := printer.Default()

	printers := make([]PrinterInfo, 0, len(names))
	for _, name := range names {
		info := PrinterInfo{Name: name, IsDefault: name == def, Status: "ready", IsOnline: true}
		if p, err := printer.Open(name); err != nil {
			info.Status = "unknown"
			info.IsOnline = false
		} else {
			if jobs, err := p.Jobs(); err == nil && len(jobs) > 0 {
				info.Status = "printing"
			}
			p.Close()
		}
		printers = append(printers, info)
	}
	return printers, nil
}

func (winSpooler) DefaultPrinter() (string, error) {
	return printer.Default()
}

func (s winSpooler) Print(job NativeJob, onSuccess func(jobID string), onError func(err error)) {
	go func() {
		jobID, err := s.print(job)
		if err != nil {
			onError(err)
			return
		}
		onSuccess(jobID)
	}()
}

func (winSpooler) print(job NativeJob) (string, error) {
	data := job.Data
	if job.Path != "" {
		var err error
		if data, err = os.ReadFile(job.Path); err != nil {
			return "", err
		}
	}

	p, err := printer.Open(job.Printer)
	if err != nil {
		return "", err
	}
	defer p.Close()

	if err := p.StartDocument(job.Title, job.DataType); err != nil {
		return "", err
	}
	jobID := findJobID(p, job.Title)

	for i := 0; i < job.Copies; i++ {
		if err := p.StartPage(); err != nil {
			p.EndDocument()
			return "", err
		}
		if _, err := p.Write(data); err != nil {
			p.EndPage()
			p.EndDocument()
			return "", err
		}
		if err := p.EndPage(); err != nil {
			p.EndDocument()
			return "", err
		}
	}

	if err := p.EndDocument(); err != nil {
		return "", err
	}
	return jobID, nil
}

func findJobID(p *printer.Printer, title string) string {
	jobs, err := p.Jobs()
	if err == nil {
		var newest uint32
		for _, j := range jobs {
			if j.DocumentName == title && j.JobID > newest {
				newest = j.JobID
			}
		}
		if newest > 0 {
			return strconv.FormatUint(uint64(newest), 10)
		}
	}
	return fmt.Sprintf("win-%d", time.Now().UnixMilli())
}

func (winSpooler) JobPending(name, jobID string) (bool, error) {
	id, err := strconv.ParseUint(jobID, 10, 32)
	if err != nil {
		return false, nil
	}
	p, err := printer.Open(name)
	if err != nil {
		return false, err
	}
	defer p.Close()

	jobs, err := p.Jobs()
	if err != nil {
		return false, err
	}
	for _, j := range jobs {
		if j.JobID == uint32(id) {
			return true, nil
		}
	}
	return false, nil
}
