package model

import "time"

// Job is a customer's configuration of one Connector.
type Job struct {
	ID                   string           `json:"id" yaml:"id"`
	ConnectorID          string           `json:"connector_id" yaml:"connector_id"`
	AccountID            string           `json:"account_id" yaml:"account_id"`
	LocationID           string           `json:"location_id,omitempty" yaml:"location_id"`
	LocationGroupID      string           `json:"location_group_id,omitempty" yaml:"location_group_id"`
	Name                 string           `json:"name" yaml:"name"`
	Username             string           `json:"username" yaml:"username"`
	Password             string           `json:"-" yaml:"password"`
	Enabled              bool             `json:"enabled" yaml:"enabled"`
	EnabledForManual     bool             `json:"enabled_for_manual" yaml:"enabled_for_manual"`
	CreateMissingVendors bool             `json:"create_missing_vendors" yaml:"create_missing_vendors"`
	FrequencyMinutes     int              `json:"frequency_minutes" yaml:"frequency_minutes"`
	CustomProperties     CustomProperties `json:"custom_properties,omitempty" yaml:"custom_properties"`
	EDIParserCode        string           `json:"edi_parser_code,omitempty" yaml:"edi_parser_code"`
	Schedule             *Schedule        `json:"schedule,omitempty" yaml:"schedule"`
	CreatedAt            time.Time        `json:"created_at" yaml:"created_at"`

	// Connector is resolved by the store when the job is loaded.
	Connector *Connector `json:"connector,omitempty" yaml:"-"`
}

// Active reports whether both the job and its connector are enabled.
func (j *Job) Active() bool {
	return j.Enabled && j.Connector != nil && j.Connector.Enabled
}

// Properties merges connector properties with the job's own; job values win.
func (j *Job) Properties() CustomProperties {
	var base CustomProperties
	if j.Connector != nil {
		base = j.Connector.CustomProperties
	}
	return Merge(base, j.CustomProperties)
}

// ComputeTextHash reports whether PDF text hashing is enabled for the job.
func (j *Job) ComputeTextHash() bool {
	return j.Properties().BoolOr(PropComputeExtractedTextHash, true)
}

// DownloadFutureInvoices reports whether the default end date reaches into
// the future. It is on unless the connector turns it off and the job does
// not turn it back on.
func (j *Job) DownloadFutureInvoices() bool {
	if j.Connector == nil {
		return true
	}
	if v, ok := j.Connector.CustomProperties.Bool(PropDownloadFutureInvoices); !ok || v {
		return true
	}
	if v, ok := j.CustomProperties.Bool(PropDownloadFutureInvoices); ok && v {
		return true
	}
	return false
}

// TaskTimeLimit resolves celery_task_time_limit, job first then connector.
func (j *Job) TaskTimeLimit() (TaskTimeLimit, bool) {
	return j.Properties().TaskTimeLimit()
}

func (j *Job) String() string {
	if j.Name != "" {
		return j.Name
	}
	return j.ID
}

// Clone returns a deep copy of the job, including its resolved connector.
func (j *Job) Clone() *Job {
	out := *j
	out.CustomProperties = CustomProperties(cloneMap(j.CustomProperties))
	if j.Schedule != nil {
		s := *j.Schedule
		s.DayOfWeek = append([]string(nil), j.Schedule.DayOfWeek...)
		s.WeekOfMonth = append([]int(nil), j.Schedule.WeekOfMonth...)
		s.DateOfMonth = append([]int(nil), j.Schedule.DateOfMonth...)
		out.Schedule = &s
	}
	if j.Connector != nil {
		out.Connector = j.Connector.Clone()
	}
	return &out
}
