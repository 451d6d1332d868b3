// Package handlers implements the Zest HTTP API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/zps-zest/zest/internal/approval"
	"github.com/zps-zest/zest/internal/events"
	"github.com/zps-zest/zest/internal/pipeline"
	"github.com/zps-zest/zest/internal/runner"
	"github.com/zps-zest/zest/internal/sessions"
	"github.com/zps-zest/zest/internal/toolgw"
)

// WorkflowBuilder returns the named workflow, or an error wrapping
// stages.ErrUnknownWorkflow.
type WorkflowBuilder func(name string) (*pipeline.Pipeline, error)

// Handlers holds every dependency the API serves from.
type Handlers struct {
	Sessions  *sessions.Manager
	Gates     *approval.Gates
	Runner    *runner.Runner
	Gateway   *toolgw.Gateway
	Events    *events.Bus
	Workflows WorkflowBuilder
	Names     []string
}

var validate = validator.New()

// decode reads a JSON body into v and validates its struct tags.
// An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(v); err != nil {
			return fmt.Errorf("invalid request body: %w", err)
		}
	}
	if err := validate.Struct(v); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return fmt.Errorf("invalid field %s: failed %q", ve[0].Field(), ve[0].Tag())
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
