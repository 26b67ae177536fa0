package remote

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ParamKind enumerates the closed set of workflow input shapes.
type ParamKind int

const (
	ParamInvalid ParamKind = iota
	ParamArtifact
	ParamArtifactList
	ParamString
	ParamNumber
	ParamBool
)

func (k ParamKind) String() string {
	switch k {
	case ParamArtifact:
		return "artifact"
	case ParamArtifactList:
		return "artifact_list"
	case ParamString:
		return "string"
	case ParamNumber:
		return "number"
	case ParamBool:
		return "bool"
	default:
		return "invalid"
	}
}

// Param is a named workflow input. Construct it with one of the typed
// constructors; the zero value is invalid.
type Param struct {
	kind      ParamKind
	artifacts []ArtifactRef
	str       string
	num       float64
	flag      bool
}

// ArtifactParam references a single uploaded artifact.
func ArtifactParam(ref ArtifactRef) Param {
	return Param{kind: ParamArtifact, artifacts: []ArtifactRef{ref}}
}

// ArtifactListParam references an ordered list of uploaded artifacts.
func ArtifactListParam(refs []ArtifactRef) Param {
	cp := make([]ArtifactRef, len(refs))
	copy(cp, refs)
	return Param{kind: ParamArtifactList, artifacts: cp}
}

func StringParam(value string) Param { return Param{kind: ParamString, str: value} }

func NumberParam(value float64) Param { return Param{kind: ParamNumber, num: value} }

func BoolParam(value bool) Param { return Param{kind: ParamBool, flag: value} }

// ParseScalarParam interprets a command-line value: true/false become booleans,
// numeric text becomes a number, anything else stays a string.
func ParseScalarParam(value string) Param {
	trimmed := strings.TrimSpace(value)
	switch strings.ToLower(trimmed) {
	case "true":
		return BoolParam(true)
	case "false":
		return BoolParam(false)
	}
	if n, err := strconv.ParseFloat(trimmed, 64); err == nil && !math.IsNaN(n) && !math.IsInf(n, 0) {
		return NumberParam(n)
	}
	return StringParam(value)
}

func (p Param) Kind() ParamKind { return p.kind }

// Artifacts returns the referenced artifacts for artifact kinds.
func (p Param) Artifacts() []ArtifactRef {
	if p.kind != ParamArtifact && p.kind != ParamArtifactList {
		return nil
	}
	cp := make([]ArtifactRef, len(p.artifacts))
	copy(cp, p.artifacts)
	return cp
}

// JSONValue is the wire and schema-validation representation of the param.
func (p Param) JSONValue() any {
	switch p.kind {
	case ParamArtifact:
		return artifactValue(p.artifacts[0])
	case ParamArtifactList:
		out := make([]any, len(p.artifacts))
		for i, ref := range p.artifacts {
			out[i] = artifactValue(ref)
		}
		return out
	case ParamString:
		return p.str
	case ParamNumber:
		return p.num
	case ParamBool:
		return p.flag
	default:
		return nil
	}
}

func artifactValue(ref ArtifactRef) map[string]any {
	return map[string]any{"artifact_id": ref.ID}
}

func (p Param) MarshalJSON() ([]byte, error) {
	if p.kind == ParamInvalid {
		return nil, fmt.Errorf("marshal param: invalid param")
	}
	return json.Marshal(p.JSONValue())
}

func (p Param) String() string {
	switch p.kind {
	case ParamArtifact:
		return "artifact:" + p.artifacts[0].ID
	case ParamArtifactList:
		return fmt.Sprintf("artifacts[%d]", len(p.artifacts))
	case ParamString:
		return strconv.Quote(p.str)
	case ParamNumber:
		return strconv.FormatFloat(p.num, 'f', -1, 64)
	case ParamBool:
		return strconv.FormatBool(p.flag)
	default:
		return "<invalid>"
	}
}

// ValidateParams rejects zero-value params and empty names.
func ValidateParams(inputs map[string]Param) error {
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("workflow input has an empty name")
		}
		p := inputs[name]
		if p.kind == ParamInvalid {
			return fmt.Errorf("workflow input %q is not set", name)
		}
		if p.kind == ParamArtifact && p.artifacts[0].ID == "" {
			return fmt.Errorf("workflow input %q references an artifact without an id", name)
		}
	}
	return nil
}

// InputDocument renders inputs as the JSON object validated against a
// workflow's input schema.
func InputDocument(inputs map[string]Param) map[string]any {
	doc := make(map[string]any, len(inputs))
	for name, p := range inputs {
		doc[name] = p.JSONValue()
	}
	return doc
}
