package destination

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dicomflow/gateway/core"
	"github.com/dicomflow/gateway/dicom"
)

// xnatAdapter zips a study's instances and POSTs them to an XNAT ingest
// endpoint. Grounded on the teacher's K8sCommunicator: a timeout-scoped
// HTTP client, an otel span per call, and a bounded retry loop.
type xnatAdapter struct {
	cfg        dicom.XNATConfig
	name       string
	httpClient *http.Client
	logger     core.Logger
}

func newXNATAdapter(dest dicom.Destination) (*xnatAdapter, error) {
	if dest.XNAT == nil {
		return nil, fmt.Errorf("destination: %s missing xnat config", dest.Name)
	}
	cfg := *dest.XNAT
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &xnatAdapter{
		cfg:  cfg,
		name: dest.Name,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: &core.NoOpLogger{},
	}, nil
}

func (a *xnatAdapter) Echo(ctx context.Context) (bool, error) {
	tracer := otel.Tracer("gateway.destination.xnat")
	ctx, span := tracer.Start(ctx, "Echo", trace.WithAttributes(attribute.String("destination.name", a.name)))
	defer span.End()

	endpoint := a.cfg.BaseURL + "/data/JSESSION"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	req.SetBasicAuth(a.cfg.Username, a.cfg.Password)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return false, a.classify(err, 0)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode == http.StatusOK
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if !ok {
		span.SetStatus(codes.Error, "echo failed")
	}
	return ok, nil
}

// Send zips the given instances, POSTs the archive to the XNAT import
// endpoint with project/subject/session query params, and makes up to
// MaxRetries attempts in total (default 3), stopping early when the
// response status is not retriable.
func (a *xnatAdapter) Send(ctx context.Context, files []dicom.Instance, rd dicom.RouteDestination) (Result, error) {
	start := time.Now()
	tracer := otel.Tracer("gateway.destination.xnat")
	ctx, span := tracer.Start(ctx, "Send", trace.WithAttributes(
		attribute.String("destination.name", a.name),
		attribute.Int("files.count", len(files)),
	))
	defer span.End()

	zipPath, err := a.zipInstances(files)
	if err != nil {
		span.RecordError(err)
		return Result{}, dicom.Classify("destination.xnat", dicom.ClassPermanentTransport, err)
	}
	defer os.Remove(zipPath)

	maxRetries := a.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	var lastStatus int
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		status, err := a.postSession(ctx, zipPath, rd)
		if err == nil {
			span.SetStatus(codes.Ok, "upload successful")
			return Result{
				Success:          true,
				FilesTransferred: len(files),
				Message:          fmt.Sprintf("uploaded session (status %d)", status),
				Duration:         time.Since(start),
			}, nil
		}

		lastErr = err
		lastStatus = status
		span.RecordError(err)
		if !isRetriableXNATStatus(status) {
			break
		}
	}

	return Result{Duration: time.Since(start)}, a.classify(lastErr, lastStatus)
}

func (a *xnatAdapter) postSession(ctx context.Context, zipPath string, rd dicom.RouteDestination) (int, error) {
	f, err := os.Open(zipPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", "session.zip")
		if err == nil {
			_, err = io.Copy(part, f)
		}
		mw.Close()
		pw.CloseWithError(err)
	}()

	endpoint := a.cfg.BaseURL + "/data/services/import"
	q := url.Values{}
	q.Set("project", rd.Project)
	q.Set("subject", rd.Subject)
	q.Set("session", rd.Session)
	if a.cfg.AutoArchive {
		q.Set("autoArchive", "true")
	}
	if a.cfg.Overwrite {
		q.Set("overwrite", "true")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?"+q.Encode(), pr)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.SetBasicAuth(a.cfg.Username, a.cfg.Password)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if a.cfg.ArchiveEndpoint != "" {
			if err := a.postArchiveAction(ctx); err != nil {
				return resp.StatusCode, err
			}
		}
		return resp.StatusCode, nil
	}
	return resp.StatusCode, fmt.Errorf("xnat import returned status %d: %s", resp.StatusCode, string(body))
}

func (a *xnatAdapter) postArchiveAction(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+a.cfg.ArchiveEndpoint, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(a.cfg.Username, a.cfg.Password)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("xnat archive action returned status %d", resp.StatusCode)
	}
	return nil
}

func (a *xnatAdapter) zipInstances(files []dicom.Instance) (string, error) {
	tmp, err := os.CreateTemp("", "xnat-session-*.zip")
	if err != nil {
		return "", err
	}
	defer tmp.Close()

	zw := zip.NewWriter(tmp)
	for _, f := range files {
		src, err := os.Open(f.FilePath)
		if err != nil {
			zw.Close()
			os.Remove(tmp.Name())
			return "", err
		}
		w, err := zw.Create(f.SOPInstanceUID + ".dcm")
		if err != nil {
			src.Close()
			zw.Close()
			os.Remove(tmp.Name())
			return "", err
		}
		if _, err := io.Copy(w, src); err != nil {
			src.Close()
			zw.Close()
			os.Remove(tmp.Name())
			return "", err
		}
		src.Close()
	}
	if err := zw.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// isRetriableXNATStatus implements the §4.10 XNAT classification: 5xx and
// connection reset are transient; 4xx except 408/429 are permanent.
func isRetriableXNATStatus(status int) bool {
	if status == 0 {
		return true // connection-level error (reset, refused)
	}
	if status >= 500 {
		return true
	}
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

func (a *xnatAdapter) classify(err error, status int) error {
	if err == nil {
		return nil
	}
	if isRetriableXNATStatus(status) {
		return dicom.Classify("destination.xnat", dicom.ClassTransientTransport, err)
	}
	return dicom.Classify("destination.xnat", dicom.ClassPermanentTransport, err)
}

func (a *xnatAdapter) Close() error {
	return nil
}
