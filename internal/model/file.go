package model

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// FileFormat is the on-disk format of a discovered document.
type FileFormat string

const (
	FormatPDF  FileFormat = "pdf"
	FormatCSV  FileFormat = "csv"
	FormatXLS  FileFormat = "xls"
	FormatJSON FileFormat = "json"
	FormatXML  FileFormat = "xml"
)

// Valid reports whether f is a known format.
func (f FileFormat) Valid() bool {
	switch f {
	case FormatPDF, FormatCSV, FormatXLS, FormatJSON, FormatXML:
		return true
	}
	return false
}

// DocumentType is what the adapter says the document is.
type DocumentType string

const (
	DocumentInvoice    DocumentType = "invoice"
	DocumentStatement  DocumentType = "statement"
	DocumentPO         DocumentType = "purchase_order"
	DocumentOrderGuide DocumentType = "order_guide"
	DocumentPayment    DocumentType = "payment"
	DocumentCheckRun   DocumentType = "check_run"
)

// Conventional document_properties keys.
const (
	DocCustomerNumber = "customer_number"
	DocInvoiceNumber  = "invoice_number"
	DocInvoiceDate    = "invoice_date"
	DocTotalAmount    = "total_amount"
	DocVendorName     = "vendor_name"
	DocRestaurantName = "restaurant_name"
)

// DiscoveredFile is one artifact produced by a Run.
type DiscoveredFile struct {
	ID                     string         `json:"id"`
	RunID                  string         `json:"run_id"`
	JobID                  string         `json:"job_id"`
	DocumentType           DocumentType   `json:"document_type"`
	FileFormat             FileFormat     `json:"file_format"`
	ReferenceCode          string         `json:"reference_code"`
	OriginalFilename       string         `json:"original_filename,omitempty"`
	OriginalDownloadURL    string         `json:"original_download_url,omitempty"`
	DocumentProperties     map[string]any `json:"document_properties,omitempty"`
	ContentHash            string         `json:"content_hash,omitempty"`
	ExtractedTextHash      *string        `json:"extracted_text_hash,omitempty"`
	DownloadedSuccessfully bool           `json:"downloaded_successfully"`
	DownloadedAt           *time.Time     `json:"downloaded_at,omitempty"`
	ContainerID            string         `json:"container_id,omitempty"`
	UploadID               string         `json:"upload_id,omitempty"`
	LocalPath              string         `json:"-"`
	IsDeleted              bool           `json:"is_deleted"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// Ext returns the filename extension for the file format, with a dot.
func (d *DiscoveredFile) Ext() string {
	if d.FileFormat != "" {
		return "." + string(d.FileFormat)
	}
	return strings.ToLower(filepath.Ext(d.OriginalFilename))
}

// DisplayName is the name shown downstream.
func (d *DiscoveredFile) DisplayName() string {
	if d.OriginalFilename != "" {
		return d.OriginalFilename
	}
	return fmt.Sprintf("df-%s.%s", d.ID, d.FileFormat)
}

// TextHash returns the extracted text hash, or "" when unset.
func (d *DiscoveredFile) TextHash() string {
	if d.ExtractedTextHash == nil {
		return ""
	}
	return *d.ExtractedTextHash
}

// DocumentProperty returns document_properties[key] as a string.
func (d *DiscoveredFile) DocumentProperty(key string) string {
	v, ok := d.DocumentProperties[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// NeedsIngestion reports whether the file still has to go through ingestion.
func (d *DiscoveredFile) NeedsIngestion() bool {
	return d.DownloadedSuccessfully && d.ContainerID == "" && !d.IsDeleted
}

const tombstoneMarker = "-deleted-"

// Tombstone rewrites hash to its deleted form. Empty and already tombstoned
// hashes are returned unchanged.
func Tombstone(hash string, at time.Time) string {
	if hash == "" || strings.Contains(hash, tombstoneMarker) {
		return hash
	}
	return fmt.Sprintf("%s%s%d", hash, tombstoneMarker, at.Unix())
}

// SoftDelete marks the file deleted and tombstones both hashes so their
// unique slots are released. Deleting an already deleted file is a no-op.
func (d *DiscoveredFile) SoftDelete(now time.Time) {
	if d.IsDeleted {
		return
	}
	d.IsDeleted = true
	d.ContentHash = Tombstone(d.ContentHash, now)
	if d.ExtractedTextHash != nil {
		h := Tombstone(*d.ExtractedTextHash, now)
		d.ExtractedTextHash = &h
	}
	d.UpdatedAt = now
}

// Clone returns a copy that shares nothing mutable with d.
func (d *DiscoveredFile) Clone() *DiscoveredFile {
	c := *d
	c.DocumentProperties = cloneMap(d.DocumentProperties)
	if d.ExtractedTextHash != nil {
		h := *d.ExtractedTextHash
		c.ExtractedTextHash = &h
	}
	if d.DownloadedAt != nil {
		t := *d.DownloadedAt
		c.DownloadedAt = &t
	}
	return &c
}
