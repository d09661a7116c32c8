// Package message 定义客户端和服务端之间的JSON消息信封
package message

import (
	"encoding/json"
	"errors"
)

const (
	TypeWatchWork          = "watch_work"
	TypeWorkUpdated        = "work_updated"
	TypeHandoverPossession = "handover_possession"
	TypeConnClosed         = "connection_closed"
)

var (
	ErrMalformed     = errors.New("unknown request type")
	ErrMissingToken  = errors.New("missing token")
	ErrMissingWorkID = errors.New("missing work id")
	ErrMissingData   = errors.New("missing work data")
	ErrMissingPhone  = errors.New("missing user phone")
)

// Data is the payload part of an envelope. Known fields are typed; anything
// else a client sends is kept in Extra so pass-through messages survive a
// decode/encode round trip unchanged.
type Data struct {
	Token    string
	WorkID   string
	WorkData json.RawMessage
	Phone    string
	FromConn string
	Extra    map[string]json.RawMessage
}

type Envelope struct {
	Type    string `json:"type"`
	Data    Data   `json:"data"`
	Success *bool  `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

func (d *Data) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	take := func(key string, dst *string) {
		if v, ok := raw[key]; ok {
			_ = json.Unmarshal(v, dst)
			delete(raw, key)
		}
	}
	take("token", &d.Token)
	take("workId", &d.WorkID)
	take("phone", &d.Phone)
	take("fromConn", &d.FromConn)
	if v, ok := raw["workData"]; ok {
		d.WorkData = v
		delete(raw, "workData")
	}
	if len(raw) > 0 {
		d.Extra = raw
	}
	return nil
}

func (d Data) MarshalJSON() ([]byte, error) {
	raw := make(map[string]json.RawMessage, len(d.Extra)+5)
	for k, v := range d.Extra {
		raw[k] = v
	}
	put := func(key, value string) {
		if value == "" {
			return
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return
		}
		raw[key] = encoded
	}
	put("token", d.Token)
	put("workId", d.WorkID)
	put("phone", d.Phone)
	put("fromConn", d.FromConn)
	if len(d.WorkData) > 0 {
		raw["workData"] = d.WorkData
	}
	return json.Marshal(raw)
}

// Decode 解析客户端发来的原始数据
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrMalformed
	}
	if env.Type == "" {
		return nil, ErrMalformed
	}
	return &env, nil
}

// Validate checks the fields every request must carry. Per-kind payload
// requirements are the dispatcher's business.
func (e *Envelope) Validate() error {
	if e.Data.Token == "" {
		return ErrMissingToken
	}
	if e.Data.WorkID == "" {
		return ErrMissingWorkID
	}
	return nil
}

// Asserted 返回标记了处理结果的信封副本
func (e Envelope) Asserted(ok bool, msg string) *Envelope {
	e.Success = &ok
	e.Message = msg
	return &e
}

func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
