package stepwise

import (
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Context is the framework's half of an object context. It is built fresh
// for every run and handed to Operator.NewObjectContext, which usually
// embeds it in the operator's own S.
type Context struct {
	Client client.Client

	// Log carries namespace, name and run keys.
	Log logr.Logger

	Event  EventHelper
	Status StatusHelper

	// Object is the object the run drives. The dispatcher's status writes,
	// including conflict reloads, land on this same value.
	Object client.Object

	Key   types.NamespacedName
	RunID string
}

// NewContext builds the Context for one run. A nil recorder discards
// events.
func NewContext(c client.Client, log logr.Logger, recorder record.EventRecorder, obj client.Object) *Context {
	if recorder == nil {
		recorder = &record.FakeRecorder{}
	}
	sc := &Context{
		Client: c,
		Event:  objectEvents{recorder: recorder, object: obj},
		Status: newStatusHelper(obj),
		Object: obj,
		Key:    client.ObjectKeyFromObject(obj),
		RunID:  uuid.NewString(),
	}
	sc.Log = log.WithValues("namespace", sc.Key.Namespace, "name", sc.Key.Name, "run", sc.RunID)
	return sc
}

// EventHelper records events against the run's object.
//
//	sCtx.Event.Normalf("ConfigMapSynced", "rendered %s", name)
type EventHelper interface {
	Normal(reason, message string)
	Normalf(reason, messageFmt string, args ...interface{})
	Warning(reason, message string)
	Warningf(reason, messageFmt string, args ...interface{})
}

type objectEvents struct {
	recorder record.EventRecorder
	object   runtime.Object
}

func (e objectEvents) Normal(reason, message string) {
	e.recorder.Event(e.object, corev1.EventTypeNormal, reason, message)
}

func (e objectEvents) Normalf(reason, messageFmt string, args ...interface{}) {
	e.recorder.Eventf(e.object, corev1.EventTypeNormal, reason, messageFmt, args...)
}

func (e objectEvents) Warning(reason, message string) {
	e.recorder.Event(e.object, corev1.EventTypeWarning, reason, message)
}

func (e objectEvents) Warningf(reason, messageFmt string, args ...interface{}) {
	e.recorder.Eventf(e.object, corev1.EventTypeWarning, reason, messageFmt, args...)
}
