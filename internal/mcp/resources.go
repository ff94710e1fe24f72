package mcp

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
)

const (
	uriJobInfo      = "vectric://job/info"
	uriJobLayers    = "vectric://job/layers"
	uriJobToolpaths = "vectric://job/toolpaths"
	uriJobVectors   = "vectric://job/vectors"
	uriJobModels    = "vectric://job/models"
)

type jobResource struct {
	desc     resourceDescription
	template string
}

// jobResources are listed in this order; models only when the job has any.
var jobResources = []jobResource{
	{resourceDescription{URI: uriJobInfo, Name: "Job Information", Description: "Basic information about the current job"}, "get_job_info"},
	{resourceDescription{URI: uriJobLayers, Name: "Layers", Description: "Information about layers in the current job"}, "get_layers"},
	{resourceDescription{URI: uriJobToolpaths, Name: "Toolpaths", Description: "Information about toolpaths in the current job"}, "get_toolpaths"},
	{resourceDescription{URI: uriJobVectors, Name: "Vectors", Description: "Counts of vectors on visible layers by kind"}, "get_vector_counts"},
	{resourceDescription{URI: uriJobModels, Name: "Models", Description: "Information about 3D models in the current job"}, "get_model_count"},
}

func findJobResource(uri string) (jobResource, bool) {
	for _, r := range jobResources {
		if r.desc.URI == uri {
			return r, true
		}
	}
	return jobResource{}, false
}

func (s *Server) handleResourcesList(ctx context.Context, encoder *json.Encoder, req *request) error {
	hasModels := s.jobHasModels(ctx)
	list := make([]resourceDescription, 0, len(jobResources))
	for _, r := range jobResources {
		if r.desc.URI == uriJobModels && !hasModels {
			continue
		}
		d := r.desc
		d.MIMEType = "application/json"
		list = append(list, d)
	}
	return writeResult(encoder, req.ID, resourcesListResult{Resources: list})
}

func (s *Server) handleResourcesRead(ctx context.Context, encoder *json.Encoder, req *request) error {
	var params resourcesReadParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return writeError(encoder, req.ID, codeInvalidParams, "invalid resources/read params: "+err.Error())
		}
	}
	r, ok := findJobResource(params.URI)
	if !ok {
		return writeError(encoder, req.ID, codeResourceNotFound, "Resource not found: "+params.URI)
	}
	if r.desc.URI == uriJobModels && !s.jobHasModels(ctx) {
		return writeError(encoder, req.ID, codeResourceNotFound, "No 3D models available in the current job")
	}

	data, err := s.readJob(ctx, r.template)
	if err != nil {
		s.logger.Warn().Err(err).Str("uri", r.desc.URI).Msg("resource read failed")
		return writeError(encoder, req.ID, codeInternalError, fmt.Sprintf("read %s: %v", r.desc.URI, err))
	}
	text, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return writeError(encoder, req.ID, codeInternalError, "encode resource: "+err.Error())
	}
	return writeResult(encoder, req.ID, resourcesReadResult{
		Contents: []resourceContent{{URI: r.desc.URI, MIMEType: "application/json", Text: string(text)}},
	})
}

// readJob runs a no-parameter template and returns the data of a success
// envelope.
func (s *Server) readJob(ctx context.Context, template string) (any, error) {
	env, err := s.call(ctx, templateEnvelope(template, nil, ""))
	if err != nil {
		return nil, err
	}
	if env.IsError() {
		return nil, fmt.Errorf("%s (%s)", env.Result.Message, env.Result.Type)
	}
	if env.Status != "success" {
		return nil, fmt.Errorf("command %s is still %s", env.CommandID, env.Status)
	}
	return env.Result.Data, nil
}

func (s *Server) jobHasModels(ctx context.Context) bool {
	data, err := s.readJob(ctx, "get_job_info")
	if err != nil {
		return false
	}
	info, _ := data.(map[string]any)
	has, _ := info["has_models"].(bool)
	return has
}
