package ingest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dharsanguruparan/Integrator/internal/clock"
	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/store"
)

// ErrSkipProcessing is returned for files that already have a container.
var ErrSkipProcessing = errors.New("discovered file already ingested")

// Action is how a discovered file reaches the document service.
type Action string

const (
	ActionNone     Action = "none"
	ActionStandard Action = "standard"
	ActionEDI      Action = "edi"
)

func (a Action) uploadThrough() string {
	if a == ActionEDI {
		return "edi"
	}
	return "webedi"
}

// ActionFor picks the upload action for df. The job's upload_action property
// wins; otherwise invoices take the standard upload and everything else is
// left alone.
func ActionFor(job *model.Job, df *model.DiscoveredFile) Action {
	if v, ok := job.Properties().Text(model.PropUploadAction); ok && v != "" {
		switch Action(v) {
		case ActionStandard, ActionEDI:
			return Action(v)
		}
		return ActionNone
	}
	if df.DocumentType == model.DocumentInvoice {
		return ActionStandard
	}
	return ActionNone
}

// UploadFilename is the stable name the file is uploaded under, so a repeated
// upload of the same file lands on the same object.
func UploadFilename(df *model.DiscoveredFile) string {
	sum := sha1.Sum([]byte(df.ID + "-" + df.ContentHash))
	return hex.EncodeToString(sum[:]) + displayExt(df)
}

func displayExt(df *model.DiscoveredFile) string {
	return strings.ReplaceAll(filepath.Ext(df.DisplayName()), " ", "")
}

// Opener returns the bytes of a discovered file, rehydrating them when the
// local copy is gone.
type Opener interface {
	Open(ctx context.Context, df *model.DiscoveredFile) (*os.File, func(), error)
}

// Options are the feature switches of the bridge.
type Options struct {
	UploadEnabled     bool
	CreateEnabled     bool
	UnknownLocationID string
}

// Bridge pushes discovered files through upload and invoice creation.
type Bridge struct {
	api    API
	files  store.FileStore
	jobs   store.JobStore
	opener Opener
	opts   Options
	clock  clock.TimeProvider
	logger *slog.Logger
}

// NewBridge wires a Bridge.
func NewBridge(api API, files store.FileStore, jobs store.JobStore, opener Opener, opts Options, clk clock.TimeProvider, logger *slog.Logger) *Bridge {
	return &Bridge{api: api, files: files, jobs: jobs, opener: opener, opts: opts, clock: clk, logger: logger}
}

// Ingest uploads df and creates its invoice, storing the upload and container
// ids on the row. A file with a container already fails with
// ErrSkipProcessing.
func (b *Bridge) Ingest(ctx context.Context, df *model.DiscoveredFile) error {
	if df.ContainerID != "" {
		return errors.Wrapf(ErrSkipProcessing, "discovered file %s has container %s", df.ID, df.ContainerID)
	}
	job, err := b.jobs.GetJob(ctx, df.JobID)
	if err != nil {
		return errors.Wrapf(err, "load job of discovered file %s", df.ID)
	}
	action := ActionFor(job, df)
	if action == ActionNone {
		b.logger.DebugContext(ctx, "no upload action for discovered file", "df_id", df.ID, "document_type", df.DocumentType)
		return nil
	}
	if action == ActionEDI && job.EDIParserCode == "" {
		return errors.WithDetailf(errors.NewCoded(errors.PEInvalidDiscoveredFile, nil),
			"job %s has no EDI parser code", job.ID)
	}
	if !b.opts.UploadEnabled {
		b.logger.WarnContext(ctx, "ingestion upload disabled, skipping", "df_id", df.ID)
		return nil
	}

	image, err := b.upload(ctx, df)
	if err != nil {
		return err
	}
	if !b.opts.CreateEnabled {
		b.logger.WarnContext(ctx, "invoice creation disabled, skipping", "df_id", df.ID)
		return nil
	}

	containerID, err := b.api.CreateInvoice(ctx, b.Payload(job, df, image, action))
	if err != nil {
		return errors.Wrapf(err, "create invoice for discovered file %s", df.ID)
	}
	df.ContainerID = containerID
	df.UpdatedAt = b.clock.Now()
	if err := b.files.UpdateFile(ctx, df); err != nil {
		return errors.Wrapf(err, "store container of discovered file %s", df.ID)
	}
	b.logger.InfoContext(ctx, "discovered file ingested", "df_id", df.ID, "container_id", containerID)
	return nil
}

// upload sends the bytes and records the upload id. It returns the image URL.
func (b *Bridge) upload(ctx context.Context, df *model.DiscoveredFile) (string, error) {
	f, release, err := b.opener.Open(ctx, df)
	if err != nil {
		return "", err
	}
	defer release()

	target, err := b.api.GetSignedUploadTarget(ctx, UploadFilename(df), df.DisplayName())
	if err != nil {
		return "", errors.Wrapf(err, "discovered file %s", df.ID)
	}
	if err := b.api.Upload(ctx, target, f); err != nil {
		return "", errors.Wrapf(err, "discovered file %s", df.ID)
	}
	df.UploadID = target.UploadID
	df.UpdatedAt = b.clock.Now()
	if err := b.files.UpdateFile(ctx, df); err != nil {
		return "", errors.Wrapf(err, "store upload id of discovered file %s", df.ID)
	}
	return target.URL, nil
}

// Payload builds the create-invoice body for df.
func (b *Bridge) Payload(job *model.Job, df *model.DiscoveredFile, image string, action Action) InvoicePayload {
	var group *string
	if job.LocationGroupID != "" {
		g := job.LocationGroupID
		group = &g
	}
	p := InvoicePayload{
		Restaurant:        b.location(job),
		RestaurantAccount: job.AccountID,
		RestaurantGroup:   group,
		UploadID:          df.UploadID,
		Image:             image,
		UploadThrough:     action.uploadThrough(),
		IsEDI:             action == ActionEDI,
		Job: PayloadJob{
			ID:                   job.ID,
			Name:                 job.String(),
			CreateMissingVendors: job.CreateMissingVendors,
		},
	}
	if job.Connector != nil {
		p.ContainsSupportDocument = job.Connector.ContainsSupportDocument
	}
	if action == ActionEDI {
		p.Job.Type = job.EDIParserCode
	}
	return p
}

func (b *Bridge) location(job *model.Job) string {
	if job.LocationID != "" {
		return job.LocationID
	}
	return b.opts.UnknownLocationID
}
