package remote_test

import (
	"encoding/json"
	"testing"

	"framerelay/internal/remote"
)

func TestParseScalarParam(t *testing.T) {
	cases := map[string]remote.ParamKind{
		"true":  remote.ParamBool,
		"FALSE": remote.ParamBool,
		"24":    remote.ParamNumber,
		"0.5":   remote.ParamNumber,
		"high":  remote.ParamString,
		"":      remote.ParamString,
	}
	for value, want := range cases {
		if got := remote.ParseScalarParam(value).Kind(); got != want {
			t.Fatalf("%q: kind %s, want %s", value, got, want)
		}
	}
}

func TestInputDocumentEncodesArtifacts(t *testing.T) {
	inputs := map[string]remote.Param{
		"video":   remote.ArtifactParam(remote.ArtifactRef{ID: "art-1"}),
		"frames":  remote.ArtifactListParam([]remote.ArtifactRef{{ID: "f1"}, {ID: "f2"}}),
		"quality": remote.StringParam("high"),
		"fps":     remote.NumberParam(24),
		"audio":   remote.BoolParam(false),
	}
	if err := remote.ValidateParams(inputs); err != nil {
		t.Fatalf("ValidateParams: %v", err)
	}
	data, err := json.Marshal(remote.InputDocument(inputs))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"audio":false,"fps":24,"frames":[{"artifact_id":"f1"},{"artifact_id":"f2"}],"quality":"high","video":{"artifact_id":"art-1"}}`
	if string(data) != want {
		t.Fatalf("document = %s\nwant       %s", data, want)
	}
}

func TestValidateParamsRejectsUnsetParam(t *testing.T) {
	if err := remote.ValidateParams(map[string]remote.Param{"video": {}}); err == nil {
		t.Fatal("expected zero-value param to be rejected")
	}
	if err := remote.ValidateParams(map[string]remote.Param{"video": remote.ArtifactParam(remote.ArtifactRef{})}); err == nil {
		t.Fatal("expected artifact without id to be rejected")
	}
}
