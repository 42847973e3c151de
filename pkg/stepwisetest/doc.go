// Package stepwisetest provides testing utilities for stepwise operators.
//
// It makes it easy to test states in isolation and to drive a Dispatcher
// end to end against controller-runtime's fake client, without a real
// Kubernetes cluster.
//
// # Testing a State
//
//	func TestProvisioning(t *testing.T) {
//	    tc := stepwisetest.NewFakeContext(t, stepwisetest.WithObject(guestbook))
//	    tr, err := provisioning.Step(context.Background(), &GuestbookContext{Context: tc.Context})
//
//	    stepwisetest.AssertNoError(t, err)
//	    stepwisetest.AssertNext(t, tr, "Running")
//	    tc.AssertEventRecorded(corev1.EventTypeNormal, "Provisioned")
//	}
//
// # Driving a Dispatcher
//
// Widget is a ready-made custom resource implementing every status
// interface, and FakeOperator an Operator over it that records hook calls:
//
//	c := stepwisetest.NewFakeClient(stepwisetest.WithObjects(widget))
//	op := stepwisetest.NewFakeOperator()
//	d := stepwise.NewDispatcher[*stepwisetest.Widget](c, op, nil, logr.Discard())
//
//	_ = d.Dispatch(ctx, stepwise.Event[*stepwisetest.Widget]{Type: stepwise.EventAdded, Object: widget})
//	_ = d.WaitIdle(ctx)
//	stepwisetest.AssertPhases(t, c, key, "Pending", stepwise.PhaseSucceeded)
//
// The FakeClient records every distinct phase written per object and can
// inject status write conflicts with FailStatusWrites.
package stepwisetest
