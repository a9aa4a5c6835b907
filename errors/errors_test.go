package errors

import (
	"fmt"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorProtocol, "protocol"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			result := test.class.String()
			if result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection lost", ErrConnectionLost, true},
		{"connection timeout", ErrConnectionTimeout, true},
		{"no connection", ErrNoConnection, true},
		{"port full", ErrPortFull, true},
		{"nil payload", ErrNilPayload, false},
		{"retries exhausted", ErrRetriesExhausted, false},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
		{"wrapped transient", WrapTransient(fmt.Errorf("boom"), "tcp-sender", "OnMessage", "write"), true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsTransient(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"retries exhausted", ErrRetriesExhausted, true},
		{"node failed", ErrNodeFailed, true},
		{"connection lost", ErrConnectionLost, false},
		{"classified fatal", WrapFatal(fmt.Errorf("bind"), "tcp-listener", "Start", "bind"), true},
		{"classified transient", WrapTransient(fmt.Errorf("dial"), "tcp-sender", "Start", "dial"), false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsFatal(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid config", ErrInvalidConfig, true},
		{"missing config", ErrMissingConfig, true},
		{"nil payload", ErrNilPayload, true},
		{"unsupported payload", ErrUnsupportedPayload, true},
		{"connection lost", ErrConnectionLost, false},
		{"wrapped invalid", WrapInvalid(ErrInvalidConfig, "Connector", "NewConnector", "port range"), true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsInvalid(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsProtocol(t *testing.T) {
	protoErr := WrapProtocol(fmt.Errorf("illegal data address"), "Connector", "poll", "read registers")
	if !IsProtocol(protoErr) {
		t.Errorf("expected protocol classification for %v", protoErr)
	}
	if IsProtocol(ErrConnectionLost) {
		t.Error("connection lost must not classify as protocol")
	}
	if IsProtocol(nil) {
		t.Error("nil must not classify as protocol")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"fatal wins", ErrRetriesExhausted, ErrorFatal},
		{"invalid", ErrNilPayload, ErrorInvalid},
		{"protocol", WrapProtocol(fmt.Errorf("exception"), "c", "m", "a"), ErrorProtocol},
		{"unknown defaults transient", fmt.Errorf("mystery"), ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Classify(test.err); got != test.expected {
				t.Errorf("expected %v, got %v", test.expected, got)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	base := fmt.Errorf("connection refused")
	wrapped := Wrap(base, "tcp-sender", "Start", "dial")

	expected := "tcp-sender.Start: dial failed: connection refused"
	if wrapped.Error() != expected {
		t.Errorf("expected %q, got %q", expected, wrapped.Error())
	}
	if !Is(wrapped, base) {
		t.Error("wrapped error must match the base via errors.Is")
	}
	if Wrap(nil, "c", "m", "a") != nil {
		t.Error("wrapping nil must return nil")
	}
}

func TestClassifiedError_Unwrap(t *testing.T) {
	wrapped := WrapTransient(ErrConnectionLost, "bridge", "Publish", "broker publish")

	var ce *ClassifiedError
	if !As(wrapped, &ce) {
		t.Fatal("expected a ClassifiedError in the chain")
	}
	if ce.Component != "bridge" || ce.Operation != "Publish" {
		t.Errorf("unexpected context: %+v", ce)
	}
	if !Is(wrapped, ErrConnectionLost) {
		t.Error("sentinel must survive wrapping")
	}
}
