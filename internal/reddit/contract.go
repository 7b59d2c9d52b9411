package reddit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrToolNotAdvertised is reported when the executor's tool catalog
// lacks a tool the Service calls.
var ErrToolNotAdvertised = errors.New("tool not advertised by executor")

// ContractError describes one tool whose advertised input schema does
// not accept the arguments the Service sends.
type ContractError struct {
	Tool string
	Err  error
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ContractError) Unwrap() error { return e.Err }

// contractSamples are representative arguments for every tool, built by
// the same functions the Service uses.
func contractSamples() map[string][]map[string]any {
	return map[string][]map[string]any{
		ToolFetchPosts:       {fetchPostsArgs("golang", DefaultLimit)},
		ToolSearchPosts:      {searchPostsArgs("golang", "generics", DefaultLimit)},
		ToolGetComments:      {getCommentsArgs("abc123")},
		ToolGetSubredditInfo: {getSubredditInfoArgs("golang")},
		ToolPostComment:      {postCommentArgs("abc123", "Nice post")},
		ToolPostToSubreddit: {
			postToSubredditArgs("golang", "Title", PostOptions{Content: "body"}),
			postToSubredditArgs("golang", "Title", PostOptions{URL: "https://go.dev"}),
		},
	}
}

// CheckContract validates the Service's argument shapes against the
// input schemas an executor advertises in tools/list, keyed by tool
// name. A tool with an empty schema accepts anything. All mismatches
// are returned together as *ContractError values.
func CheckContract(schemas map[string]map[string]any) error {
	var errs []error
	for tool, samples := range contractSamples() {
		schema, ok := schemas[tool]
		if !ok {
			errs = append(errs, &ContractError{Tool: tool, Err: ErrToolNotAdvertised})
			continue
		}
		if len(schema) == 0 {
			continue
		}

		compiled, err := compileSchema(tool, schema)
		if err != nil {
			errs = append(errs, &ContractError{Tool: tool, Err: err})
			continue
		}
		for _, args := range samples {
			if err := validateArgs(compiled, args); err != nil {
				errs = append(errs, &ContractError{Tool: tool, Err: err})
				break
			}
		}
	}
	return errors.Join(errs...)
}

func compileSchema(tool string, schema map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	url := tool + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("schema resource: %w", err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}

// validateArgs checks args as the executor will see them, after a trip
// through JSON.
func validateArgs(s *jsonschema.Schema, args map[string]any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse arguments: %w", err)
	}
	return s.Validate(doc)
}
