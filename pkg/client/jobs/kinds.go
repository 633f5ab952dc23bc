/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"time"

	"k8s.io/utils/clock"

	v1 "github.com/popvision/popvision-go/api/v1"
	"github.com/popvision/popvision-go/pkg/client/apierror"
	"github.com/popvision/popvision-go/pkg/client/requestretry"
	"github.com/popvision/popvision-go/pkg/client/util/backoff"
)

const (
	// MediaTypeJSONL is the response type of streaming job endpoints.
	MediaTypeJSONL = "application/jsonl"
	// MediaTypeJSON is the request and response type of JSON endpoints.
	MediaTypeJSON = "application/json"

	defaultMediaType = "application/octet-stream"
)

// Requester sends a request with retries. *requestretry.Client implements it.
type Requester interface {
	Do(ctx context.Context, req *requestretry.Request) (*http.Response, error)
}

// UploadFile uploads the file at path as the "file" part of a multipart form. The file is
// reopened for every attempt, so the upload may be retried. An empty mimeType is derived from
// the file extension.
func UploadFile(r Requester, req requestretry.Request, path, mimeType string, opts ...Option) *Job {
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(path))
	}
	if mimeType == "" {
		mimeType = defaultMediaType
	}
	boundary := multipart.NewWriter(io.Discard).Boundary()
	req.Method = defaultString(req.Method, http.MethodPost)
	req.ContentType = "multipart/form-data; boundary=" + boundary
	req.Accept = defaultString(req.Accept, MediaTypeJSONL)
	req.Body = func() (io.Reader, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		return multipartFile(f, filepath.Base(path), mimeType, boundary), nil
	}
	return New(KindUploadFile, streamExec(r, req), opts...)
}

// multipartFile streams f as a single-part form and closes it.
func multipartFile(f *os.File, name, mimeType, boundary string) io.Reader {
	pr, pw := io.Pipe()
	go func() {
		defer f.Close()
		mw := multipart.NewWriter(pw)
		if err := mw.SetBoundary(boundary); err != nil {
			pw.CloseWithError(err)
			return
		}
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
		header.Set("Content-Type", mimeType)
		part, err := mw.CreatePart(header)
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()
	return pr
}

// UploadStream sends the bytes of stream as the request body. A stream cannot be replayed, so
// the request is never retried.
func UploadStream(r Requester, req requestretry.Request, stream io.Reader, mimeType string, opts ...Option) *Job {
	return rawUpload(KindUploadStream, r, req, stream, mimeType, opts...)
}

// UploadAsset sends the bytes of stream as a new asset and emits the created asset.
func UploadAsset(r Requester, req requestretry.Request, stream io.Reader, mimeType string, opts ...Option) *Job {
	req.Accept = defaultString(req.Accept, MediaTypeJSON)
	return rawUpload(KindUploadAsset, r, req, stream, mimeType, opts...)
}

func rawUpload(kind Kind, r Requester, req requestretry.Request, stream io.Reader, mimeType string, opts ...Option) *Job {
	req.Method = defaultString(req.Method, http.MethodPost)
	req.ContentType = defaultString(mimeType, defaultMediaType)
	req.Accept = defaultString(req.Accept, MediaTypeJSONL)
	req.Body = requestretry.OneShotBody(stream)
	req.NoRetry = true
	return New(kind, streamExec(r, req), opts...)
}

// LoadFromURL points the pipeline at remote media and streams its results.
func LoadFromURL(r Requester, req requestretry.Request, url string, params json.RawMessage, opts ...Option) *Job {
	return sourceJob(KindLoadFromURL, r, req, v1.SourceRequest{SourceType: v1.SourceTypeURL, URL: url, Params: params}, opts...)
}

// LoadAsset points the pipeline at a stored asset and streams its results.
func LoadAsset(r Requester, req requestretry.Request, assetUUID string, params json.RawMessage, opts ...Option) *Job {
	return sourceJob(KindLoadAsset, r, req, v1.SourceRequest{SourceType: v1.SourceTypeAsset, AssetUUID: assetUUID, Params: params}, opts...)
}

func sourceJob(kind Kind, r Requester, req requestretry.Request, source v1.SourceRequest, opts ...Option) *Job {
	req.Method = defaultString(req.Method, http.MethodPatch)
	req.Accept = defaultString(req.Accept, MediaTypeJSONL)
	return jsonJob(kind, r, req, source, opts...)
}

// ImportAsset asks the dataset service to import an asset described by body and emits the
// created asset.
func ImportAsset(r Requester, req requestretry.Request, body any, opts ...Option) *Job {
	req.Method = defaultString(req.Method, http.MethodPost)
	req.Accept = defaultString(req.Accept, MediaTypeJSON)
	return jsonJob(KindImportAsset, r, req, body, opts...)
}

func jsonJob(kind Kind, r Requester, req requestretry.Request, body any, opts ...Option) *Job {
	payload, err := requestretry.JSONBody(body)
	if err != nil {
		return New(kind, func(context.Context, Emitter) error { return err }, opts...)
	}
	req.Body = payload
	req.ContentType = MediaTypeJSON
	return New(kind, streamExec(r, req), opts...)
}

func streamExec(r Requester, req requestretry.Request) ExecFunc {
	if req.Operation == "" {
		req.Operation = "job"
	}
	return func(ctx context.Context, emit Emitter) error {
		attempt := req
		resp, err := r.Do(ctx, &attempt)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return decodeResults(ctx, resp.Body, emit)
	}
}

// decodeResults emits every JSON value of body. It accepts newline-delimited JSON and single
// documents alike.
func decodeResults(ctx context.Context, body io.Reader, emit Emitter) error {
	dec := json.NewDecoder(&progressReader{Reader: body, emit: emit})
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctxErr := context.Cause(ctx); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("failed to decode result: %w", err)
		}
		if err := emit.Emit(ctx, v1.Prediction(raw)); err != nil {
			return err
		}
	}
}

// progressReader marks the job in progress on the first byte received.
type progressReader struct {
	io.Reader
	emit Emitter
	seen bool
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.Reader.Read(b)
	if n > 0 && !p.seen {
		p.seen = true
		p.emit.Progress()
	}
	return n, err
}

// PollSpec describes a submit-then-poll operation.
type PollSpec struct {
	// Submit starts the operation. A 200 response carries the result, a 202 response an
	// AsyncRequestAccepted body.
	Submit requestretry.Request
	// Status builds the poll request for an accepted request id.
	Status func(requestID string) requestretry.Request
	// Interval between polls.
	Interval time.Duration
	// Timeout bounds the time since submission. Zero means no deadline.
	Timeout time.Duration
	// Clock defaults to the real clock.
	Clock clock.Clock
}

// Infer runs an inference through the dataset service and emits its result.
func Infer(r Requester, spec PollSpec, opts ...Option) *Job {
	return New(KindInfer, pollExec(KindInfer, r, spec), opts...)
}

// Evaluate runs a model evaluation through the dataset service and emits its result.
func Evaluate(r Requester, spec PollSpec, opts ...Option) *Job {
	return New(KindEvaluate, pollExec(KindEvaluate, r, spec), opts...)
}

func pollExec(kind Kind, r Requester, spec PollSpec) ExecFunc {
	clk := spec.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	sleep := backoff.ClockSleeper(clk)
	return func(ctx context.Context, emit Emitter) error {
		started := clk.Now()
		submit := spec.Submit
		submit.Method = defaultString(submit.Method, http.MethodPost)
		submit.Accept = defaultString(submit.Accept, MediaTypeJSON)
		submit.Operation = defaultString(submit.Operation, string(kind))
		resp, err := r.Do(ctx, &submit)
		if err != nil {
			return err
		}

		var requestID string
		switch resp.StatusCode {
		case http.StatusOK:
			defer resp.Body.Close()
			return decodeResults(ctx, resp.Body, emit)
		case http.StatusAccepted:
			accepted := v1.AsyncRequestAccepted{}
			if err := requestretry.DecodeJSON(resp, &accepted); err != nil {
				return err
			}
			if accepted.RequestID == "" {
				return &apierror.ProtocolError{Operation: string(kind), StatusCode: resp.StatusCode, Detail: "missing request_id"}
			}
			requestID = accepted.RequestID
		default:
			_ = requestretry.DecodeJSON(resp, nil)
			return &apierror.ProtocolError{Operation: string(kind), StatusCode: resp.StatusCode}
		}
		emit.Progress()

		for {
			if spec.Timeout > 0 && clk.Since(started) >= spec.Timeout {
				return fmt.Errorf("%w: request %s still pending after %s", apierror.ErrJobTimeout, requestID, spec.Timeout)
			}
			if err := sleep(ctx, spec.Interval); err != nil {
				return context.Cause(ctx)
			}
			status := spec.Status(requestID)
			status.Method = defaultString(status.Method, http.MethodGet)
			status.Accept = defaultString(status.Accept, MediaTypeJSON)
			status.Operation = defaultString(status.Operation, string(kind)+"_status")
			resp, err := r.Do(ctx, &status)
			if err != nil {
				return err
			}
			switch resp.StatusCode {
			case http.StatusOK:
				defer resp.Body.Close()
				return decodeResults(ctx, resp.Body, emit)
			case http.StatusAccepted:
				_ = requestretry.DecodeJSON(resp, nil)
			default:
				_ = requestretry.DecodeJSON(resp, nil)
				return &apierror.ProtocolError{Operation: string(kind), StatusCode: resp.StatusCode, Detail: "polling request " + requestID}
			}
		}
	}
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
