package notify

import (
	"encoding/json"
	"time"
)

// Wire frames exchanged with the notification server. The client issues
// requests ("subscribe", "unsubscribe") and the server pushes unsolicited
// "broadcast" requests carrying channel messages.

type Request struct {
	Id     string           `json:"id,omitempty"`
	Method string           `json:"method"`
	Params *json.RawMessage `json:"params,omitempty"`
}

func (r Request) ReplyExpected() bool {
	return r.Id != ""
}

type Response struct {
	RequestId string           `json:"requestId,omitempty"`
	Result    *json.RawMessage `json:"result,omitempty"`
	Error     *FrameError      `json:"error,omitempty"`
}

func (r Response) IsFailure() bool {
	return r.Error != nil
}

type FrameError struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// frame is the decoded superset of Request and Response; a non-empty
// Method marks an inbound request, anything else is a reply to one of ours.
type frame struct {
	Id        string           `json:"id,omitempty"`
	Method    string           `json:"method,omitempty"`
	Params    *json.RawMessage `json:"params,omitempty"`
	RequestId string           `json:"requestId,omitempty"`
	Result    *json.RawMessage `json:"result,omitempty"`
	Error     *FrameError      `json:"error,omitempty"`
}

func (f frame) isRequest() bool {
	return f.Method != ""
}

func (f frame) asResponse() Response {
	return Response{
		RequestId: f.RequestId,
		Result:    f.Result,
		Error:     f.Error,
	}
}

// Message is the params payload of a "broadcast" request. Payload carries
// the raw UTF-8 JSON frame body; the subscription registry decodes it.
type Message struct {
	Id         string          `json:"id,omitempty"`
	CreateTime time.Time       `json:"createTime,omitempty"`
	Channel    string          `json:"channel"`
	Payload    json.RawMessage `json:"payload"`
}

type SubscribeParams struct {
	Channel string `json:"channel"`
}
