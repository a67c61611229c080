package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType separates requests, responses and events on the wire.
type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
	TypeEvent    MessageType = "event"
)

// Envelope is the wire form of every message. Requests and responses carry
// the same ID; events carry none. A response has either a Payload or an
// Error, never both.
type Envelope struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id,omitempty"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

type decoder[T any] func(raw json.RawMessage) (T, error)

func decodeInto[P any, T any](convert func(P) T) decoder[T] {
	return func(raw json.RawMessage) (T, error) {
		var v P
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &v); err != nil {
				var zero T
				return zero, err
			}
		}
		return convert(v), nil
	}
}

func request[P RequestPayload]() decoder[RequestPayload] {
	return decodeInto(func(p P) RequestPayload { return p })
}

func response[P ResponsePayload]() decoder[ResponsePayload] {
	return decodeInto(func(p P) ResponsePayload { return p })
}

func event[P EventPayload]() decoder[EventPayload] {
	return decodeInto(func(p P) EventPayload { return p })
}

var requestDecoders = map[Kind]decoder[RequestPayload]{
	KindGetFileSystemTree:     request[GetFileSystemTreeRequest](),
	KindSearchFileNames:       request[SearchFileNamesRequest](),
	KindSearchDirectoryNames:  request[SearchDirectoryNamesRequest](),
	KindSearchText:            request[SearchTextRequest](),
	KindGetFileExtracts:       request[GetFileExtractsRequest](),
	KindUnregisterFile:        request[UnregisterFileRequest](),
	KindRegisterFile:          request[RegisterFileRequest](),
	KindGetDatabaseStatistics: request[GetDatabaseStatisticsRequest](),
	KindRefreshFileSystemTree: request[RefreshFileSystemTreeRequest](),
}

var responseDecoders = map[Kind]decoder[ResponsePayload]{
	KindGetFileSystemTree:     response[GetFileSystemTreeResponse](),
	KindSearchFileNames:       response[SearchFileNamesResponse](),
	KindSearchDirectoryNames:  response[SearchDirectoryNamesResponse](),
	KindSearchText:            response[SearchTextResponse](),
	KindGetFileExtracts:       response[GetFileExtractsResponse](),
	KindUnregisterFile:        response[UnregisterFileResponse](),
	KindRegisterFile:          response[RegisterFileResponse](),
	KindGetDatabaseStatistics: response[GetDatabaseStatisticsResponse](),
	KindRefreshFileSystemTree: response[RefreshFileSystemTreeResponse](),
}

var eventDecoders = map[Kind]decoder[EventPayload]{
	KindTreeComputing:  event[TreeComputingEvent](),
	KindTreeComputed:   event[TreeComputedEvent](),
	KindFilesLoading:   event[FilesLoadingEvent](),
	KindFilesLoaded:    event[FilesLoadedEvent](),
	KindProgressReport: event[ProgressReportEvent](),
}

// RequestKinds returns every known request kind.
func RequestKinds() []Kind {
	out := make([]Kind, 0, len(requestDecoders))
	for k := range requestDecoders {
		out = append(out, k)
	}
	return out
}

func encode(t MessageType, id string, kind Kind, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s %s: %w", kind, t, err)
	}
	return Envelope{Type: t, ID: id, Kind: kind, Payload: raw}, nil
}

// EncodeRequest wraps a request payload.
func EncodeRequest(id string, p RequestPayload) (Envelope, error) {
	return encode(TypeRequest, id, p.RequestKind(), p)
}

// EncodeResponse wraps a successful response payload.
func EncodeResponse(id string, p ResponsePayload) (Envelope, error) {
	return encode(TypeResponse, id, p.ResponseKind(), p)
}

// EncodeErrorResponse builds an error response for request id of kind.
func EncodeErrorResponse(id string, kind Kind, info *ErrorInfo) Envelope {
	return Envelope{Type: TypeResponse, ID: id, Kind: kind, Error: info}
}

// EncodeEvent wraps an event payload.
func EncodeEvent(p EventPayload) (Envelope, error) {
	return encode(TypeEvent, "", p.EventKind(), p)
}

// DecodeRequest returns the typed payload of a request envelope. Failures
// are *DecodeError values carrying the request id.
func DecodeRequest(env Envelope) (RequestPayload, error) {
	dec, ok := requestDecoders[env.Kind]
	if !ok {
		return nil, &DecodeError{ID: env.ID, Kind: ErrorUnknownRequestKind, Err: fmt.Errorf("unknown request kind %q", env.Kind)}
	}
	p, err := dec(env.Payload)
	if err != nil {
		return nil, &DecodeError{ID: env.ID, Kind: ErrorMalformedPayload, Err: err}
	}
	return p, nil
}

// DecodeResponse returns the typed payload of a response envelope. An
// error response yields its ErrorInfo as the error.
func DecodeResponse(env Envelope) (ResponsePayload, error) {
	if env.Error != nil {
		return nil, env.Error
	}
	dec, ok := responseDecoders[env.Kind]
	if !ok {
		return nil, &DecodeError{ID: env.ID, Kind: ErrorUnknownRequestKind, Err: fmt.Errorf("unknown response kind %q", env.Kind)}
	}
	p, err := dec(env.Payload)
	if err != nil {
		return nil, &DecodeError{ID: env.ID, Kind: ErrorMalformedPayload, Err: err}
	}
	return p, nil
}

// DecodeEvent returns the typed payload of an event envelope. Unknown kinds
// return ErrUnknownEventKind.
func DecodeEvent(env Envelope) (EventPayload, error) {
	dec, ok := eventDecoders[env.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventKind, env.Kind)
	}
	p, err := dec(env.Payload)
	if err != nil {
		return nil, &DecodeError{Kind: ErrorMalformedPayload, Err: err}
	}
	return p, nil
}
