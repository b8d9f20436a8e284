package config

import (
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
)

// Catalog is the connector catalog file. Jobs are optional; deployments
// backed by Postgres usually manage them elsewhere.
type Catalog struct {
	Connectors []*model.Connector `yaml:"connectors"`
	Jobs       []*model.Job       `yaml:"jobs"`
}

// LoadCatalog decodes the connector catalog at path.
func LoadCatalog(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open connector catalog %s", path)
	}
	defer f.Close()
	return DecodeCatalog(f)
}

// DecodeCatalog decodes and checks a catalog.
func DecodeCatalog(r io.Reader) (*Catalog, error) {
	var cat Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cat); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "decode connector catalog")
	}
	seen := make(map[string]bool, len(cat.Connectors))
	for _, c := range cat.Connectors {
		if c.ID == "" || c.AdapterCode == "" {
			return nil, errors.Newf("connector %q: id and adapter_code are required", c.Name)
		}
		if seen[c.ID] {
			return nil, errors.Newf("connector %s declared twice", c.ID)
		}
		seen[c.ID] = true
		switch c.Channel {
		case model.ChannelWeb, model.ChannelFTP:
		default:
			return nil, errors.Newf("connector %s: unknown channel %q", c.ID, c.Channel)
		}
		switch c.Kind {
		case model.KindVendor, model.KindAccounting:
		default:
			return nil, errors.Newf("connector %s: unknown kind %q", c.ID, c.Kind)
		}
		for _, a := range c.Capabilities {
			if !a.Valid() {
				return nil, errors.Newf("connector %s: unknown capability %q", c.ID, a)
			}
		}
		if c.FrequencyDays <= 0 {
			c.FrequencyDays = 1
		}
	}
	jobs := make(map[string]bool, len(cat.Jobs))
	for _, j := range cat.Jobs {
		if j.ID == "" {
			return nil, errors.Newf("job %q: id is required", j.Name)
		}
		if jobs[j.ID] {
			return nil, errors.Newf("job %s declared twice", j.ID)
		}
		jobs[j.ID] = true
		if !seen[j.ConnectorID] {
			return nil, errors.Newf("job %s: unknown connector %q", j.ID, j.ConnectorID)
		}
		if j.Schedule != nil {
			if err := j.Schedule.Validate(); err != nil {
				return nil, errors.Wrapf(err, "job %s", j.ID)
			}
		}
	}
	return &cat, nil
}
