package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/rs/zerolog"
)

// ErrEnvironmentNotFound is returned when no environment has the given name.
var ErrEnvironmentNotFound = errors.New("environment not found")

// CameraDeviceTypes are the device types that record video.
var CameraDeviceTypes = []string{"PI3WITHCAMERA", "PI4WITHCAMERA"}

// Assignment is a device currently assigned to an environment.
type Assignment struct {
	AssignmentID string
	AssignedType string
	DeviceID     string
	DeviceType   string
	Name         string
}

// IsCamera reports whether the assignment is a camera device.
func (a Assignment) IsCamera() bool {
	return a.AssignedType == "DEVICE" && slices.Contains(CameraDeviceTypes, a.DeviceType)
}

// Matches reports whether a camera filter value names this assignment by
// assignment id, device id or assigned name.
func (a Assignment) Matches(filter string) bool {
	return filter == a.AssignmentID || filter == a.DeviceID || filter == a.Name
}

// HoneycombClient talks to the environment directory GraphQL API.
type HoneycombClient struct {
	rest *restClient
}

// NewHoneycombClient creates a client for the GraphQL endpoint at uri.
func NewHoneycombClient(uri string, tokens Tokens, logger zerolog.Logger) *HoneycombClient {
	return &HoneycombClient{rest: newRESTClient(uri, tokens, logger)}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

// GraphQLError carries the errors array of a GraphQL response.
type GraphQLError struct {
	Messages []string
}

func (e *GraphQLError) Error() string {
	return "graphql: " + strings.Join(e.Messages, "; ")
}

func (c *HoneycombClient) query(ctx context.Context, q string, vars map[string]any, out any) error {
	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphQLError  `json:"errors"`
	}
	if err := c.rest.do(ctx, http.MethodPost, "", nil, graphQLRequest{Query: q, Variables: vars}, &envelope); err != nil {
		return err
	}
	if len(envelope.Errors) > 0 {
		msgs := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			msgs = append(msgs, e.Message)
		}
		return &GraphQLError{Messages: msgs}
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return errors.New("graphql: empty data")
	}
	return json.Unmarshal(envelope.Data, out)
}

const findEnvironmentQuery = `query findEnvironment($name: String) {
  findEnvironment(name: $name) {
    data {
      environment_id
      name
    }
  }
}`

// FindEnvironmentID resolves an environment name to its id.
func (c *HoneycombClient) FindEnvironmentID(ctx context.Context, name string) (string, error) {
	var data struct {
		FindEnvironment struct {
			Data []struct {
				EnvironmentID string `json:"environment_id"`
				Name          string `json:"name"`
			} `json:"data"`
		} `json:"findEnvironment"`
	}
	if err := c.query(ctx, findEnvironmentQuery, map[string]any{"name": name}, &data); err != nil {
		return "", fmt.Errorf("find environment %q: %w", name, err)
	}
	if len(data.FindEnvironment.Data) == 0 {
		return "", fmt.Errorf("%w: %q", ErrEnvironmentNotFound, name)
	}
	return data.FindEnvironment.Data[0].EnvironmentID, nil
}

const environmentAssignmentsQuery = `query getEnvironment($environment_id: ID!) {
  getEnvironment(environment_id: $environment_id) {
    environment_id
    name
    assignments(current: true) {
      assignment_id
      assigned_type
      assigned {
        ... on Device {
          device_id
          device_type
          name
        }
      }
    }
  }
}`

// CameraAssignments lists the camera devices currently assigned to an
// environment.
func (c *HoneycombClient) CameraAssignments(ctx context.Context, environmentID string) ([]Assignment, error) {
	var data struct {
		GetEnvironment struct {
			Assignments []struct {
				AssignmentID string `json:"assignment_id"`
				AssignedType string `json:"assigned_type"`
				Assigned     struct {
					DeviceID   string `json:"device_id"`
					DeviceType string `json:"device_type"`
					Name       string `json:"name"`
				} `json:"assigned"`
			} `json:"assignments"`
		} `json:"getEnvironment"`
	}
	if err := c.query(ctx, environmentAssignmentsQuery, map[string]any{"environment_id": environmentID}, &data); err != nil {
		return nil, fmt.Errorf("environment %s assignments: %w", environmentID, err)
	}

	var cameras []Assignment
	for _, a := range data.GetEnvironment.Assignments {
		assignment := Assignment{
			AssignmentID: a.AssignmentID,
			AssignedType: a.AssignedType,
			DeviceID:     a.Assigned.DeviceID,
			DeviceType:   a.Assigned.DeviceType,
			Name:         a.Assigned.Name,
		}
		if assignment.IsCamera() {
			cameras = append(cameras, assignment)
		}
	}
	return cameras, nil
}
