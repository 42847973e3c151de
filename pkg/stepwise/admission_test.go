package stepwise_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	admissionv1 "k8s.io/api/admission/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/streamline-controllers/stepwise/pkg/stepwise"
	"github.com/streamline-controllers/stepwise/pkg/stepwisetest"
)

func defaultWidget(_ context.Context, req stepwise.AdmissionRequest[*widget]) (*widget, error) {
	stepwise.SetDefault(&req.Object.Spec.Replicas, int32(1))
	return req.Object, nil
}

func validateWidget(_ context.Context, req stepwise.AdmissionRequest[*widget]) stepwise.Decision {
	if req.Operation == admissionv1.Delete {
		return stepwise.Allow()
	}
	spec := field.NewPath("spec")
	vb := stepwise.NewValidationBuilder().
		RequiredString(spec.Child("image"), req.Object.Spec.Image)
	if r := req.Object.Spec.Replicas; r != nil {
		vb.InRange(spec.Child("replicas"), int64(*r), 0, 10).
			WarnIf(*r > 5, "more than 5 replicas may exhaust the test quota")
	}
	if req.Operation == admissionv1.Update {
		vb.Immutable(spec.Child("image"), req.OldObject.Spec.Image, req.Object.Spec.Image)
	}
	return vb.Decision()
}

func newWidgetAdapter() *stepwise.AdmissionAdapter[*widget] {
	return stepwise.NewAdmissionAdapter(stepwisetest.NewScheme(), func() *widget { return &widget{} }).
		WithMutator(defaultWidget).
		WithValidator(validateWidget)
}

func widgetJSON(spec string) []byte {
	return []byte(`{"apiVersion":"test.stepwise.io/v1","kind":"Widget","metadata":{"name":"web","namespace":"default"},"spec":` + spec + `}`)
}

func admissionRequest(op admissionv1.Operation, object, old []byte) admission.Request {
	return admission.Request{AdmissionRequest: admissionv1.AdmissionRequest{
		UID:       "req-1",
		Operation: op,
		Object:    runtime.RawExtension{Raw: object},
		OldObject: runtime.RawExtension{Raw: old},
	}}
}

func TestAdmissionAdapter_Handle(t *testing.T) {
	tests := []struct {
		name       string
		req        admission.Request
		allowed    bool
		code       int32
		reason     string
		patchPaths []string
		warnings   int
	}{
		{
			name:       "defaults missing replicas",
			req:        admissionRequest(admissionv1.Create, widgetJSON(`{"image":"nginx"}`), nil),
			allowed:    true,
			patchPaths: []string{"/spec/replicas"},
		},
		{
			name:    "no patch when nothing to default",
			req:     admissionRequest(admissionv1.Create, widgetJSON(`{"image":"nginx","replicas":2}`), nil),
			allowed: true,
		},
		{
			name:     "denial keeps warnings",
			req:      admissionRequest(admissionv1.Create, widgetJSON(`{"image":"nginx","replicas":11}`), nil),
			allowed:  false,
			code:     http.StatusForbidden,
			reason:   "spec.replicas",
			warnings: 1,
		},
		{
			name:    "missing image denied",
			req:     admissionRequest(admissionv1.Create, widgetJSON(`{}`), nil),
			allowed: false,
			code:    http.StatusForbidden,
			reason:  "spec.image",
		},
		{
			name:     "warnings",
			req:      admissionRequest(admissionv1.Create, widgetJSON(`{"image":"nginx","replicas":7}`), nil),
			allowed:  true,
			warnings: 1,
		},
		{
			name: "immutable image",
			req: admissionRequest(admissionv1.Update,
				widgetJSON(`{"image":"httpd","replicas":1}`),
				widgetJSON(`{"image":"nginx","replicas":1}`)),
			allowed: false,
			code:    http.StatusForbidden,
			reason:  "immutable",
		},
		{
			name:    "delete validated against old object",
			req:     admissionRequest(admissionv1.Delete, nil, widgetJSON(`{}`)),
			allowed: true,
		},
		{
			name:    "undecodable object",
			req:     admissionRequest(admissionv1.Create, []byte(`{"spec":`), nil),
			allowed: false,
			code:    http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := newWidgetAdapter().Handle(context.Background(), tt.req)

			if resp.Allowed != tt.allowed {
				t.Fatalf("Allowed = %v, want %v (result %+v)", resp.Allowed, tt.allowed, resp.Result)
			}
			if tt.code != 0 && (resp.Result == nil || resp.Result.Code != tt.code) {
				t.Errorf("Result = %+v, want code %d", resp.Result, tt.code)
			}
			if tt.reason != "" && !strings.Contains(string(resp.Result.Message)+string(resp.Result.Reason), tt.reason) {
				t.Errorf("Result = %+v, want reason containing %q", resp.Result, tt.reason)
			}
			if len(resp.Patches) != len(tt.patchPaths) {
				t.Fatalf("Patches = %+v, want paths %v", resp.Patches, tt.patchPaths)
			}
			for i, p := range resp.Patches {
				if p.Path != tt.patchPaths[i] {
					t.Errorf("Patches[%d].Path = %q, want %q", i, p.Path, tt.patchPaths[i])
				}
			}
			if len(resp.Warnings) != tt.warnings {
				t.Errorf("Warnings = %v, want %d", resp.Warnings, tt.warnings)
			}
		})
	}
}

func TestAdmissionAdapter_DefaultPatch(t *testing.T) {
	resp := newWidgetAdapter().Handle(context.Background(),
		admissionRequest(admissionv1.Create, widgetJSON(`{"image":"nginx"}`), nil))

	if len(resp.Patches) != 1 {
		t.Fatalf("Patches = %+v, want one", resp.Patches)
	}
	p := resp.Patches[0]
	if p.Operation != "add" || p.Value != float64(1) {
		t.Errorf("patch = %+v, want add of 1", p)
	}
	if resp.PatchType == nil || *resp.PatchType != admissionv1.PatchTypeJSONPatch {
		t.Errorf("PatchType = %v, want JSONPatch", resp.PatchType)
	}
}

func TestAdmissionAdapter_MutatorError(t *testing.T) {
	adapter := stepwise.NewAdmissionAdapter(stepwisetest.NewScheme(), func() *widget { return &widget{} }).
		WithMutator(func(context.Context, stepwise.AdmissionRequest[*widget]) (*widget, error) {
			return nil, errors.New("quota service unavailable")
		})

	resp := adapter.Handle(context.Background(), admissionRequest(admissionv1.Create, widgetJSON(`{}`), nil))

	if resp.Allowed || resp.Result.Code != http.StatusInternalServerError {
		t.Errorf("response = %+v, want 500", resp.Result)
	}
}

func TestValidationBuilder(t *testing.T) {
	path := field.NewPath("spec", "tier")

	vb := stepwise.NewValidationBuilder().
		OneOf(path, "gold", "gold", "silver").
		InRange(field.NewPath("spec", "port"), 80, 1, 65535)
	if vb.HasErrors() {
		t.Errorf("Errors() = %v, want none", vb.Errors())
	}

	vb = stepwise.NewValidationBuilder().
		OneOf(path, "platinum", "bronze", "silver").
		RequiredString(field.NewPath("spec", "image"), "").
		Immutable(field.NewPath("spec", "zone"), "a", "b")
	if got := len(vb.Errors()); got != 3 {
		t.Fatalf("len(Errors()) = %d, want 3", got)
	}
	d := vb.Decision()
	if d.Allowed || strings.Count(d.Reason, ";") != 2 {
		t.Errorf("Decision() = %+v", d)
	}
}

func TestDenyFieldErrors(t *testing.T) {
	if d := stepwise.DenyFieldErrors(nil); !d.Allowed {
		t.Error("no errors should allow")
	}
	errs := field.ErrorList{field.Required(field.NewPath("spec", "image"), "")}
	if d := stepwise.DenyFieldErrors(errs); d.Allowed || !strings.Contains(d.Reason, "spec.image") {
		t.Errorf("DenyFieldErrors() = %+v", d)
	}
}

func TestSetDefault(t *testing.T) {
	var replicas *int32
	stepwise.SetDefault(&replicas, int32(3))
	if replicas == nil || *replicas != 3 {
		t.Fatalf("replicas = %v, want 3", replicas)
	}

	five := int32(5)
	set := &five
	stepwise.SetDefault(&set, int32(3))
	if *set != 5 {
		t.Errorf("SetDefault overwrote %d", *set)
	}

	image := ""
	stepwise.SetDefaultString(&image, "nginx")
	if image != "nginx" {
		t.Errorf("image = %q, want nginx", image)
	}
}
