// Package adapters holds the adapters that ship with the core: a directory
// drop used in development and the manual connector whose documents arrive
// out of band.
package adapters

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dharsanguruparan/Integrator/internal/artifact"
	"github.com/dharsanguruparan/Integrator/internal/engine"
	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
)

// Adapter codes.
const (
	CodeLocalDir = "localdir"
	CodeManual   = model.AdapterCodeManual
)

// PropSourceDir is the job or connector property naming the drop directory.
const PropSourceDir = "source_dir"

// Register adds the bundled adapters to r.
func Register(r *engine.Registry) error {
	if err := r.Register(CodeLocalDir, func() engine.Adapter { return &LocalDir{} }); err != nil {
		return err
	}
	return r.Register(CodeManual, func() engine.Adapter { return &Manual{} })
}

var formats = map[string]model.FileFormat{
	".pdf":  model.FormatPDF,
	".csv":  model.FormatCSV,
	".xls":  model.FormatXLS,
	".xlsx": model.FormatXLS,
	".json": model.FormatJSON,
	".xml":  model.FormatXML,
}

// LocalDir yields every document found in a directory. The file name without
// extension is the reference code and the modification date is the invoice
// date.
type LocalDir struct {
	dir string
}

// Login checks that the drop directory exists.
func (a *LocalDir) Login(_ context.Context, rc *engine.RunContext) error {
	dir, ok := rc.Job.Properties().Text(PropSourceDir)
	if !ok || dir == "" {
		return errors.WithDetail(errors.NewCoded(errors.CommonUnsupportedOperation, nil), "job has no "+PropSourceDir)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return errors.NewCoded(errors.ExternalUpstreamUnavailable, nil)
	}
	a.dir = dir
	return nil
}

// DiscoverAndDownload copies each document into the run directory and yields
// it, in name order.
func (a *LocalDir) DiscoverAndDownload(ctx context.Context, rc *engine.RunContext, yield func(artifact.Artifact) error) error {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return errors.Wrapf(err, "read %s", a.dir)
	}
	docType := model.DocumentInvoice
	if rc.Run.Action == model.ActionStatementDownload {
		docType = model.DocumentStatement
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		format, ok := formats[ext]
		if e.IsDir() || !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return errors.Wrapf(err, "stat %s", e.Name())
		}
		dst := rc.Path(e.Name())
		if err := copyFile(filepath.Join(a.dir, e.Name()), dst); err != nil {
			return err
		}
		ref := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		err = yield(artifact.Artifact{
			ReferenceCode:    ref,
			FileFormat:       format,
			DocumentType:     docType,
			OriginalFilename: e.Name(),
			DocumentProperties: map[string]any{
				model.DocInvoiceNumber: ref,
				model.DocInvoiceDate:   info.ModTime().UTC().Format("2006-01-02"),
			},
			LocalPath: dst,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "copy %s", src)
	}
	return out.Close()
}

// Manual backs connectors whose documents are uploaded by an operator. A run
// logs in trivially and discovers nothing.
type Manual struct{}

// Login implements engine.Adapter.
func (Manual) Login(context.Context, *engine.RunContext) error { return nil }

// DiscoverAndDownload implements engine.Downloader.
func (Manual) DiscoverAndDownload(context.Context, *engine.RunContext, func(artifact.Artifact) error) error {
	return nil
}
