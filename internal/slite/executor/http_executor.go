package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/torrvision/slite/internal/slite/api"
	"github.com/torrvision/slite/internal/slite/configuration"
)

// HttpExecutor talks to the per-node agent over http. Requests are retried
// with backoff up to RetryMax times within the configured timeout; anything
// beyond that is left to the next scheduling cycle.
type HttpExecutor struct {
	client      *retryablehttp.Client
	urlTemplate string
}

func NewHttpExecutor(config configuration.ExecutorConfig) *HttpExecutor {
	client := retryablehttp.NewClient()
	client.RetryMax = config.RetryMax
	client.HTTPClient.Timeout = config.RequestTimeout
	client.Logger = nil
	return &HttpExecutor{
		client:      client,
		urlTemplate: config.UrlTemplate,
	}
}

func (e *HttpExecutor) Start(ctx context.Context, allocation *api.Allocation) error {
	body, err := json.Marshal(allocation)
	if err != nil {
		return errors.WithStack(err)
	}
	request, err := retryablehttp.NewRequestWithContext(
		ctx, http.MethodPost, e.jobsUrl(allocation.NodeId), bytes.NewReader(body))
	if err != nil {
		return errors.WithStack(err)
	}
	request.Header.Set("Content-Type", "application/json")
	return e.do(request)
}

func (e *HttpExecutor) Terminate(ctx context.Context, allocation *api.Allocation) error {
	request, err := retryablehttp.NewRequestWithContext(
		ctx, http.MethodDelete, e.jobUrl(allocation.NodeId, allocation.JobId), nil)
	if err != nil {
		return errors.WithStack(err)
	}
	return e.do(request)
}

func (e *HttpExecutor) Status(ctx context.Context, allocation *api.Allocation) (api.JobStatus, error) {
	request, err := retryablehttp.NewRequestWithContext(
		ctx, http.MethodGet, e.jobUrl(allocation.NodeId, allocation.JobId)+"/status", nil)
	if err != nil {
		return api.JobStatusUnknown, errors.WithStack(err)
	}

	response, err := e.client.Do(request)
	if err != nil {
		return api.JobStatusUnknown, errors.WithStack(err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return api.JobStatusUnknown, errors.Errorf(
			"node agent returned status %d for job %s", response.StatusCode, allocation.JobId)
	}

	var status struct {
		Status api.JobStatus `json:"status"`
	}
	if err := json.NewDecoder(response.Body).Decode(&status); err != nil {
		return api.JobStatusUnknown, errors.WithStack(err)
	}
	return status.Status, nil
}

func (e *HttpExecutor) do(request *retryablehttp.Request) error {
	response, err := e.client.Do(request)
	if err != nil {
		return errors.WithStack(err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return errors.Errorf("node agent returned status %d", response.StatusCode)
	}
	return nil
}

func (e *HttpExecutor) jobsUrl(nodeId string) string {
	return fmt.Sprintf(e.urlTemplate, nodeId) + "/jobs"
}

func (e *HttpExecutor) jobUrl(nodeId string, jobId string) string {
	return e.jobsUrl(nodeId) + "/" + jobId
}
