package lifecycle

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"go.uber.org/multierr"
)

type fakeSvc struct {
	name     string
	startErr error
	stopErr  error
	log      *[]string
}

func (f *fakeSvc) Name() string { return f.name }
func (f *fakeSvc) Start(context.Context) error {
	*f.log = append(*f.log, "start:"+f.name)
	return f.startErr
}
func (f *fakeSvc) Stop(context.Context) error {
	*f.log = append(*f.log, "stop:"+f.name)
	return f.stopErr
}

func TestStartStopOrder(t *testing.T) {
	var log []string
	m := New()
	m.Add(&fakeSvc{name: "a", log: &log})
	m.Add(&fakeSvc{name: "b", log: &log})
	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	want := []string{"start:a", "start:b", "stop:b", "stop:a"}
	if !reflect.DeepEqual(log, want) {
		t.Fatalf("order=%v want %v", log, want)
	}
}

func TestStartFailureRollsBack(t *testing.T) {
	var log []string
	boom := errors.New("boom")
	m := New()
	m.Add(&fakeSvc{name: "a", log: &log})
	m.Add(&fakeSvc{name: "b", startErr: boom, log: &log})
	m.Add(&fakeSvc{name: "c", log: &log})
	err := m.StartAll(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	want := []string{"start:a", "start:b", "stop:a"}
	if !reflect.DeepEqual(log, want) {
		t.Fatalf("order=%v want %v", log, want)
	}
}

func TestStopJoinsErrors(t *testing.T) {
	var log []string
	e1, e2 := errors.New("e1"), errors.New("e2")
	m := New()
	m.Add(&fakeSvc{name: "a", stopErr: e1, log: &log})
	m.Add(&fakeSvc{name: "b", stopErr: e2, log: &log})
	_ = m.StartAll(context.Background())
	err := m.StopAll(context.Background())
	if len(multierr.Errors(err)) != 2 || !errors.Is(err, e1) || !errors.Is(err, e2) {
		t.Fatalf("want both errors, got %v", err)
	}
}
