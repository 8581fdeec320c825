package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/tabby_probe/internal/cdpcontrol"
	"github.com/dgnsrekt/tabby_probe/internal/probe"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Service is the probe surface exposed over HTTP. *probe.Runner implements it.
type Service interface {
	ListTabs(ctx context.Context) ([]cdpcontrol.TabInfo, error)
	Run(ctx context.Context) (probe.Report, error)
	RunLink(ctx context.Context, linkText string) (probe.Report, error)
	Inspect(ctx context.Context) (cdpcontrol.Inventory, error)
}

type healthOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

type tabsOutput struct {
	Body struct {
		Tabs []cdpcontrol.TabInfo `json:"tabs"`
	}
}

type probeRequest struct {
	LinkText string `json:"link_text,omitempty" doc:"Nav link text to click. Defaults to the configured link text."`
}

type probeInput struct {
	Body *probeRequest `required:"false"`
}

type probeOutput struct {
	Body probe.Report
}

type inspectOutput struct {
	Body cdpcontrol.Inventory
}

func NewServer(svc Service) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Tabby Probe API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})

	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List browser page tabs in browser order", Tags: []string{"Probe"}},
		func(ctx context.Context, input *struct{}) (*tabsOutput, error) {
			tabs, err := svc.ListTabs(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &tabsOutput{}
			out.Body.Tabs = tabs
			if out.Body.Tabs == nil {
				out.Body.Tabs = []cdpcontrol.TabInfo{}
			}
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "run-probe", Method: http.MethodPost, Path: "/api/v1/probe", Summary: "Click the nav link in the first tab and report the page state", Tags: []string{"Probe"}},
		func(ctx context.Context, input *probeInput) (*probeOutput, error) {
			var (
				report probe.Report
				err    error
			)
			if input.Body != nil && input.Body.LinkText != "" {
				report, err = svc.RunLink(ctx, input.Body.LinkText)
			} else {
				report, err = svc.Run(ctx)
			}
			if err != nil {
				return nil, mapErr(err)
			}
			return &probeOutput{Body: report}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "inspect", Method: http.MethodGet, Path: "/api/v1/inspect", Summary: "List the first tab's title and clickable elements", Tags: []string{"Probe"}},
		func(ctx context.Context, input *struct{}) (*inspectOutput, error) {
			inv, err := svc.Inspect(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &inspectOutput{Body: inv}, nil
		})

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *cdpcontrol.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case cdpcontrol.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case cdpcontrol.CodeTabNotFound:
			return huma.Error404NotFound(coded.Message)
		case cdpcontrol.CodeEvalTimeout, cdpcontrol.CodeWaitTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case cdpcontrol.CodeCDPUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return huma.Error504GatewayTimeout(err.Error())
	}
	return huma.Error500InternalServerError(err.Error())
}
