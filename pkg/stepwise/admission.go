package stepwise

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"sort"
	"strings"

	"gomodules.xyz/jsonpatch/v2"
	admissionv1 "k8s.io/api/admission/v1"
	authenticationv1 "k8s.io/api/authentication/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"
)

// AdmissionRequest is a decoded admission request for kind T.
type AdmissionRequest[T client.Object] struct {
	// Operation is CREATE, UPDATE, DELETE or CONNECT.
	Operation admissionv1.Operation

	// Object is the object under admission. For deletes it is the object
	// being deleted.
	Object T

	// OldObject is the previous object on updates. It is the zero value
	// otherwise.
	OldObject T

	// UserInfo identifies the requesting user.
	UserInfo authenticationv1.UserInfo
}

// Decision is the result of a validation.
type Decision struct {
	Allowed  bool
	Reason   string
	Warnings []string
}

// Allow admits the request.
func Allow(warnings ...string) Decision {
	return Decision{Allowed: true, Warnings: warnings}
}

// Deny rejects the request with a reason.
func Deny(reason string) Decision {
	return Decision{Reason: reason}
}

// DenyFieldErrors rejects the request when errs is not empty, and admits it
// otherwise.
func DenyFieldErrors(errs field.ErrorList) Decision {
	if len(errs) == 0 {
		return Allow()
	}
	return Deny(errs.ToAggregate().Error())
}

// ValidateFunc validates an admission request.
type ValidateFunc[T client.Object] func(ctx context.Context, req AdmissionRequest[T]) Decision

// MutateFunc returns the desired object for an admission request. It
// receives a deep copy of the object and may modify and return it.
type MutateFunc[T client.Object] func(ctx context.Context, req AdmissionRequest[T]) (T, error)

// AdmissionAdapter serves validating and mutating admission for kind T as a
// controller-runtime admission.Handler.
//
// Mutation runs first; validation sees the mutated object. A mutation is
// answered with a JSON patch relative to the raw object in the request.
// Deletes are validated against the object being deleted and never mutated.
//
//	adapter := stepwise.NewAdmissionAdapter(scheme, func() *v1.Guestbook { return &v1.Guestbook{} }).
//	    WithMutator(defaultGuestbook).
//	    WithValidator(validateGuestbook)
//	mgr.GetWebhookServer().Register("/guestbooks", &webhook.Admission{Handler: adapter})
type AdmissionAdapter[T client.Object] struct {
	decoder   admission.Decoder
	newObject func() T
	validate  ValidateFunc[T]
	mutate    MutateFunc[T]
}

// NewAdmissionAdapter creates an adapter decoding with scheme. newObject
// returns an empty object of kind T.
func NewAdmissionAdapter[T client.Object](scheme *runtime.Scheme, newObject func() T) *AdmissionAdapter[T] {
	return &AdmissionAdapter[T]{
		decoder:   admission.NewDecoder(scheme),
		newObject: newObject,
	}
}

// WithValidator sets the validation function.
func (a *AdmissionAdapter[T]) WithValidator(fn ValidateFunc[T]) *AdmissionAdapter[T] {
	a.validate = fn
	return a
}

// WithMutator sets the mutation function.
func (a *AdmissionAdapter[T]) WithMutator(fn MutateFunc[T]) *AdmissionAdapter[T] {
	a.mutate = fn
	return a
}

// Handle implements admission.Handler.
func (a *AdmissionAdapter[T]) Handle(ctx context.Context, req admission.Request) admission.Response {
	areq, err := a.decode(req)
	if err != nil {
		return admission.Errored(http.StatusBadRequest, err)
	}

	var patches []jsonpatch.JsonPatchOperation
	if a.mutate != nil && req.Operation != admissionv1.Delete {
		mreq := areq
		mreq.Object = areq.Object.DeepCopyObject().(T)
		desired, err := a.mutate(ctx, mreq)
		if err != nil {
			return admission.Errored(http.StatusInternalServerError, fmt.Errorf("mutating: %w", err))
		}
		if !isNil(desired) {
			patches, err = mutationPatch(req.Object.Raw, areq.Object, desired)
			if err != nil {
				return admission.Errored(http.StatusInternalServerError, err)
			}
			areq.Object = desired
		}
	}

	var warnings []string
	if a.validate != nil {
		decision := a.validate(ctx, areq)
		if !decision.Allowed {
			return admission.Denied(decision.Reason).WithWarnings(decision.Warnings...)
		}
		warnings = decision.Warnings
	}

	if len(patches) == 0 {
		return admission.Allowed("").WithWarnings(warnings...)
	}
	patchType := admissionv1.PatchTypeJSONPatch
	return admission.Response{
		Patches: patches,
		AdmissionResponse: admissionv1.AdmissionResponse{
			Allowed:   true,
			PatchType: &patchType,
			Warnings:  warnings,
		},
	}
}

func (a *AdmissionAdapter[T]) decode(req admission.Request) (AdmissionRequest[T], error) {
	areq := AdmissionRequest[T]{
		Operation: req.Operation,
		UserInfo:  req.UserInfo,
	}

	if req.Operation == admissionv1.Delete {
		obj := a.newObject()
		if err := a.decoder.DecodeRaw(req.OldObject, obj); err != nil {
			return areq, fmt.Errorf("decoding deleted object: %w", err)
		}
		areq.Object = obj
		return areq, nil
	}

	obj := a.newObject()
	if err := a.decoder.DecodeRaw(req.Object, obj); err != nil {
		return areq, fmt.Errorf("decoding object: %w", err)
	}
	areq.Object = obj

	if len(req.OldObject.Raw) > 0 {
		old := a.newObject()
		if err := a.decoder.DecodeRaw(req.OldObject, old); err != nil {
			return areq, fmt.Errorf("decoding old object: %w", err)
		}
		areq.OldObject = old
	}
	return areq, nil
}

// mutationPatch computes the JSON patch turning raw into desired. Operations
// that only reflect how the typed object re-serializes the request, rather
// than a change made by the mutator, are left out.
func mutationPatch(raw []byte, original, desired client.Object) ([]jsonpatch.JsonPatchOperation, error) {
	originalJSON, err := json.Marshal(original)
	if err != nil {
		return nil, fmt.Errorf("marshaling original object: %w", err)
	}
	desiredJSON, err := json.Marshal(desired)
	if err != nil {
		return nil, fmt.Errorf("marshaling mutated object: %w", err)
	}

	noise, err := jsonpatch.CreatePatch(raw, originalJSON)
	if err != nil {
		return nil, fmt.Errorf("comparing request object: %w", err)
	}
	ops, err := jsonpatch.CreatePatch(raw, desiredJSON)
	if err != nil {
		return nil, fmt.Errorf("computing patch: %w", err)
	}

	patches := make([]jsonpatch.JsonPatchOperation, 0, len(ops))
	for _, op := range ops {
		if !containsOperation(noise, op) {
			patches = append(patches, op)
		}
	}
	sort.SliceStable(patches, func(i, j int) bool {
		return patches[i].Path < patches[j].Path
	})
	return patches, nil
}

func containsOperation(ops []jsonpatch.JsonPatchOperation, op jsonpatch.JsonPatchOperation) bool {
	for _, o := range ops {
		if o.Operation == op.Operation && o.Path == op.Path && reflect.DeepEqual(o.Value, op.Value) {
			return true
		}
	}
	return false
}

// ValidationBuilder provides a fluent API for building field validations.
type ValidationBuilder struct {
	errors   field.ErrorList
	warnings []string
}

// NewValidationBuilder creates a new ValidationBuilder.
func NewValidationBuilder() *ValidationBuilder {
	return &ValidationBuilder{}
}

// RequiredString validates that a string is not empty.
func (vb *ValidationBuilder) RequiredString(path *field.Path, value string) *ValidationBuilder {
	if value == "" {
		vb.errors = append(vb.errors, field.Required(path, ""))
	}
	return vb
}

// InRange validates that a number is within a range.
func (vb *ValidationBuilder) InRange(path *field.Path, value, min, max int64) *ValidationBuilder {
	if value < min || value > max {
		vb.errors = append(vb.errors, field.Invalid(path, value,
			fmt.Sprintf("must be between %d and %d", min, max)))
	}
	return vb
}

// OneOf validates that a value is one of the allowed values.
func (vb *ValidationBuilder) OneOf(path *field.Path, value string, allowed ...string) *ValidationBuilder {
	for _, a := range allowed {
		if value == a {
			return vb
		}
	}
	vb.errors = append(vb.errors, field.NotSupported(path, value, allowed))
	return vb
}

// Immutable validates that a field has not changed.
func (vb *ValidationBuilder) Immutable(path *field.Path, oldValue, newValue interface{}) *ValidationBuilder {
	if !reflect.DeepEqual(oldValue, newValue) {
		vb.errors = append(vb.errors, field.Forbidden(path, "field is immutable"))
	}
	return vb
}

// WarnIf adds a warning if the condition is true.
func (vb *ValidationBuilder) WarnIf(condition bool, message string) *ValidationBuilder {
	if condition {
		vb.warnings = append(vb.warnings, message)
	}
	return vb
}

// Errors returns the validation errors.
func (vb *ValidationBuilder) Errors() field.ErrorList {
	return vb.errors
}

// HasErrors returns true if there are validation errors.
func (vb *ValidationBuilder) HasErrors() bool {
	return len(vb.errors) > 0
}

// Decision returns Deny with all field errors joined, or Allow. Warnings
// are carried either way.
func (vb *ValidationBuilder) Decision() Decision {
	if len(vb.errors) == 0 {
		return Allow(vb.warnings...)
	}
	reasons := make([]string, 0, len(vb.errors))
	for _, err := range vb.errors {
		reasons = append(reasons, err.Error())
	}
	d := Deny(strings.Join(reasons, "; "))
	d.Warnings = vb.warnings
	return d
}

// SetDefault sets *ptr to value if *ptr is nil.
func SetDefault[V any](ptr **V, value V) {
	if ptr != nil && *ptr == nil {
		*ptr = &value
	}
}

// SetDefaultString sets a string if it's empty.
func SetDefaultString(ptr *string, defaultValue string) {
	if ptr != nil && *ptr == "" {
		*ptr = defaultValue
	}
}
