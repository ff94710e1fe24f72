package model

// ResultStatus is the status field of a result envelope.
type ResultStatus string

const (
	ResultSuccess    ResultStatus = "success"
	ResultError      ResultStatus = "error"
	ResultInProgress ResultStatus = "in_progress"
	ResultInfo       ResultStatus = "info"
	ResultWarning    ResultStatus = "warning"
)

var knownResultStatuses = map[ResultStatus]bool{
	ResultSuccess:    true,
	ResultError:      true,
	ResultInProgress: true,
	ResultInfo:       true,
	ResultWarning:    true,
}

func (s ResultStatus) Valid() bool {
	return knownResultStatuses[s]
}

// ResultBody carries the message, type tag and optional data of a result.
// For error envelopes Type holds the error category.
type ResultBody struct {
	Message string `json:"message" yaml:"message"`
	Type    string `json:"type,omitempty" yaml:"type,omitempty"`
	Data    any    `json:"data,omitempty" yaml:"data,omitempty"`
}

// ResultEnvelope is the canonical result shape exchanged with the downstream
// executor and returned to protocol clients.
type ResultEnvelope struct {
	Status        ResultStatus `json:"status" yaml:"status"`
	Result        ResultBody   `json:"result" yaml:"result"`
	CommandID     string       `json:"command_id,omitempty" yaml:"command_id,omitempty"`
	ExecutionTime *int64       `json:"execution_time,omitempty" yaml:"execution_time,omitempty"`
}

func (r *ResultEnvelope) IsError() bool {
	return r != nil && r.Status == ResultError
}

// Category returns the error category of an error envelope.
func (r *ResultEnvelope) Category() Category {
	if r == nil || r.Status != ResultError {
		return ""
	}
	c := Category(r.Result.Type)
	if !c.Valid() {
		return CategoryUnknown
	}
	return c
}
