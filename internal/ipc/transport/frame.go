package transport

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mithrel/busobj/internal/codec"
	"github.com/mithrel/busobj/pkg/api"
)

// Frame kinds on the local wire.
const (
	kindCall   = "call"
	kindReturn = "return"
	kindError  = "error"
	kindSignal = "signal"
)

const flagNoReply = 1

// frame is one message on the local wire. It travels as a structpb.Struct;
// the body is a list value restored through the signature.
type frame struct {
	kind        string
	serial      uint32
	replySerial uint32
	sender      string
	path        string
	iface       string
	member      string
	flags       uint32
	signature   string
	errorName   string
	body        []any
}

func (f *frame) encode() (*structpb.Struct, error) {
	body, err := codec.ToList(f.body)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"type":         structpb.NewStringValue(f.kind),
		"serial":       structpb.NewNumberValue(float64(f.serial)),
		"reply_serial": structpb.NewNumberValue(float64(f.replySerial)),
		"sender":       structpb.NewStringValue(f.sender),
		"path":         structpb.NewStringValue(f.path),
		"interface":    structpb.NewStringValue(f.iface),
		"member":       structpb.NewStringValue(f.member),
		"flags":        structpb.NewNumberValue(float64(f.flags)),
		"signature":    structpb.NewStringValue(f.signature),
		"error_name":   structpb.NewStringValue(f.errorName),
		"body":         structpb.NewListValue(body),
	}}, nil
}

// decodeFrame restores the header. The body is decoded separately so that a
// bad body can still be answered using the header.
func decodeFrame(s *structpb.Struct) (*frame, *structpb.ListValue, error) {
	fs := s.GetFields()
	f := &frame{
		kind:        fs["type"].GetStringValue(),
		serial:      uint32(fs["serial"].GetNumberValue()),
		replySerial: uint32(fs["reply_serial"].GetNumberValue()),
		sender:      fs["sender"].GetStringValue(),
		path:        fs["path"].GetStringValue(),
		iface:       fs["interface"].GetStringValue(),
		member:      fs["member"].GetStringValue(),
		flags:       uint32(fs["flags"].GetNumberValue()),
		signature:   fs["signature"].GetStringValue(),
		errorName:   fs["error_name"].GetStringValue(),
	}
	switch f.kind {
	case kindCall, kindReturn, kindError, kindSignal:
	default:
		return nil, nil, fmt.Errorf("transport: unknown frame type %q", f.kind)
	}
	return f, fs["body"].GetListValue(), nil
}

func (f *frame) decodeBody(l *structpb.ListValue) error {
	body, err := codec.FromList(f.signature, l)
	if err != nil {
		return err
	}
	f.body = body
	return nil
}

func callFrame(c *api.Call) (*frame, error) {
	sig := c.Signature
	if sig == "" {
		var err error
		if sig, err = codec.SignatureOf(c.Body...); err != nil {
			return nil, err
		}
	}
	f := &frame{
		kind:      kindCall,
		serial:    c.Serial,
		path:      c.Path.String(),
		iface:     c.Interface,
		member:    c.Member,
		signature: sig,
		body:      c.Body,
	}
	if c.NoReply {
		f.flags |= flagNoReply
	}
	return f, nil
}

func replyFrame(r api.Reply) *frame {
	f := &frame{kind: kindReturn, replySerial: r.ID.Serial, signature: r.Signature, body: r.Body}
	if r.IsError() {
		f.kind = kindError
		f.errorName = r.ErrorName
	}
	return f
}

func (f *frame) reply() api.Reply {
	return api.Reply{
		ID:        api.ReplyIdentity{Sender: f.sender, Serial: f.replySerial},
		Signature: f.signature,
		Body:      f.body,
		ErrorName: f.errorName,
	}
}
