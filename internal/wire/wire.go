// Package wire implements the packed binary envelope codec (spec.md §4.9),
// built on protowire's tag/varint/length-delimited primitives rather than a
// hand-rolled byte format. The schema is append-only: every decoder ignores
// tags it does not recognize, so older peers tolerate newer fields.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dzfranklin/plantopo-sync/internal/attrstore"
	"github.com/dzfranklin/plantopo-sync/internal/awareness"
	"github.com/dzfranklin/plantopo-sync/internal/clock"
	"github.com/dzfranklin/plantopo-sync/internal/featurestore"
	"github.com/dzfranklin/plantopo-sync/internal/fracidx"
	"github.com/dzfranklin/plantopo-sync/internal/layerstore"
	"github.com/dzfranklin/plantopo-sync/internal/replica"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrorCode is the closed set of wire-visible error codes (spec.md §4.9, §7).
type ErrorCode uint8

const (
	ErrParseError           ErrorCode = 1
	ErrInvalidError         ErrorCode = 2
	ErrAccessForbiddenError ErrorCode = 3
	ErrWriteForbiddenError  ErrorCode = 4
	ErrServerError          ErrorCode = 5
)

// Kind selects the envelope's payload variant.
type Kind uint8

const (
	KindAuth Kind = iota + 1
	KindDelta
	KindConfirmDelta
	KindAware
	KindError
)

// Envelope is the single message type carried over the transport, a tagged
// union over the five payload variants of spec.md §4.9.
type Envelope struct {
	Kind Kind

	AuthToken string

	Delta replica.Delta

	ConfirmDeltaTs clock.Instant

	Aware []awareness.Write

	ErrorCode        ErrorCode
	ErrorDescription string
}

// field numbers for the Envelope oneof: each payload variant occupies its
// own top-level field number, so a decoder can tell variants apart without a
// separate discriminant.
const (
	fieldEnvelopeAuth         protowire.Number = 1
	fieldEnvelopeDelta        protowire.Number = 2
	fieldEnvelopeConfirm      protowire.Number = 3
	fieldEnvelopeAware        protowire.Number = 4
	fieldEnvelopeError        protowire.Number = 5
)

// Encode serializes an envelope. Encoding is deterministic for a given
// logical value: the same Envelope always produces the same bytes, which is
// what lets the fan-out worker forward received delta bytes verbatim instead
// of re-encoding (spec.md §4.9's stability guarantee).
func Encode(e Envelope) []byte {
	var b []byte
	switch e.Kind {
	case KindAuth:
		b = appendBytesField(b, fieldEnvelopeAuth, encodeAuth(e.AuthToken))
	case KindDelta:
		b = appendBytesField(b, fieldEnvelopeDelta, encodeDelta(e.Delta))
	case KindConfirmDelta:
		b = appendInstant(b, fieldEnvelopeConfirm, e.ConfirmDeltaTs)
	case KindAware:
		b = appendBytesField(b, fieldEnvelopeAware, encodeAwareList(e.Aware))
	case KindError:
		b = appendBytesField(b, fieldEnvelopeError, encodeError(e.ErrorCode, e.ErrorDescription))
	}
	return b
}

// Decode parses an envelope. Unknown top-level fields are ignored, so a
// message produced by a newer build still decodes here (possibly dropping
// fields this build doesn't understand yet).
func Decode(b []byte) (Envelope, error) {
	fields, err := parseFields(b)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}

	var e Envelope
	for _, f := range fields {
		switch f.Num {
		case fieldEnvelopeAuth:
			token, err := decodeAuth(f.Bytes)
			if err != nil {
				return Envelope{}, err
			}
			e = Envelope{Kind: KindAuth, AuthToken: token}
		case fieldEnvelopeDelta:
			d, err := decodeDelta(f.Bytes)
			if err != nil {
				return Envelope{}, err
			}
			e = Envelope{Kind: KindDelta, Delta: d}
		case fieldEnvelopeConfirm:
			ts, err := decodeInstantBytes(f)
			if err != nil {
				return Envelope{}, err
			}
			e = Envelope{Kind: KindConfirmDelta, ConfirmDeltaTs: ts}
		case fieldEnvelopeAware:
			aware, err := decodeAwareList(f.Bytes)
			if err != nil {
				return Envelope{}, err
			}
			e = Envelope{Kind: KindAware, Aware: aware}
		case fieldEnvelopeError:
			code, desc, err := decodeError(f.Bytes)
			if err != nil {
				return Envelope{}, err
			}
			e = Envelope{Kind: KindError, ErrorCode: code, ErrorDescription: desc}
		}
	}
	if e.Kind == 0 {
		return Envelope{}, fmt.Errorf("wire: envelope carries no recognized payload")
	}
	return e, nil
}

// --- generic field parsing -------------------------------------------------

type rawField struct {
	Num   protowire.Number
	Type  protowire.Type
	Uint  uint64
	Bytes []byte
}

// parseFields walks every top-level field in b, extracting its value without
// interpreting field numbers. Callers switch on Num, ignoring anything they
// don't recognize — this is what makes every decoder forward-compatible.
func parseFields(b []byte) ([]rawField, error) {
	var out []rawField
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			out = append(out, rawField{Num: num, Type: typ, Uint: v})
			b = b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			out = append(out, rawField{Num: num, Type: typ, Uint: v})
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			out = append(out, rawField{Num: num, Type: typ, Bytes: v})
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return out, nil
}

func appendBytesField(b []byte, num protowire.Number, data []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	return b
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendString(b, s)
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	b = protowire.AppendVarint(b, v)
	return b
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	var i uint64
	if v {
		i = 1
	}
	return appendVarintField(b, num, i)
}

func doubleBits(f float64) uint64  { return math.Float64bits(f) }
func doubleFromBits(u uint64) float64 { return math.Float64frombits(u) }

// --- Instant ----------------------------------------------------------------

const (
	fieldInstantCounter protowire.Number = 1
	fieldInstantClient  protowire.Number = 2
)

func encodeInstant(ts clock.Instant) []byte {
	var b []byte
	b = appendVarintField(b, fieldInstantCounter, ts.Counter)
	b = appendVarintField(b, fieldInstantClient, uint64(ts.Client))
	return b
}

func appendInstant(b []byte, num protowire.Number, ts clock.Instant) []byte {
	return appendBytesField(b, num, encodeInstant(ts))
}

func decodeInstant(b []byte) (clock.Instant, error) {
	fields, err := parseFields(b)
	if err != nil {
		return clock.Instant{}, fmt.Errorf("wire: decode instant: %w", err)
	}
	var ts clock.Instant
	for _, f := range fields {
		switch f.Num {
		case fieldInstantCounter:
			ts.Counter = f.Uint
		case fieldInstantClient:
			ts.Client = clock.ClientId(f.Uint)
		}
	}
	return ts, nil
}

func decodeInstantBytes(f rawField) (clock.Instant, error) {
	if f.Type != protowire.BytesType {
		return clock.Instant{}, fmt.Errorf("wire: instant field has wrong wire type")
	}
	return decodeInstant(f.Bytes)
}

// --- Auth --------------------------------------------------------------

const fieldAuthToken protowire.Number = 1

func encodeAuth(token string) []byte {
	var b []byte
	b = appendStringField(b, fieldAuthToken, token)
	return b
}

func decodeAuth(b []byte) (string, error) {
	fields, err := parseFields(b)
	if err != nil {
		return "", fmt.Errorf("wire: decode auth: %w", err)
	}
	var token string
	for _, f := range fields {
		if f.Num == fieldAuthToken {
			token = string(f.Bytes)
		}
	}
	return token, nil
}

// --- Error ---------------------------------------------------------------

const (
	fieldErrorCode protowire.Number = 1
	fieldErrorDesc protowire.Number = 2
)

func encodeError(code ErrorCode, desc string) []byte {
	var b []byte
	b = appendVarintField(b, fieldErrorCode, uint64(code))
	b = appendStringField(b, fieldErrorDesc, desc)
	return b
}

func decodeError(b []byte) (ErrorCode, string, error) {
	fields, err := parseFields(b)
	if err != nil {
		return 0, "", fmt.Errorf("wire: decode error: %w", err)
	}
	var code ErrorCode
	var desc string
	for _, f := range fields {
		switch f.Num {
		case fieldErrorCode:
			code = ErrorCode(f.Uint)
		case fieldErrorDesc:
			desc = string(f.Bytes)
		}
	}
	return code, desc, nil
}

// --- AttrValue ---------------------------------------------------------

const (
	fieldValueKind        protowire.Number = 1
	fieldValueBool        protowire.Number = 2
	fieldValueNumber      protowire.Number = 3
	fieldValueString      protowire.Number = 4
	fieldValueNumberArray protowire.Number = 5
	fieldValueStringArray protowire.Number = 6
)

func encodeValue(v attrstore.Value) []byte {
	var b []byte
	b = appendVarintField(b, fieldValueKind, uint64(v.Kind))
	switch v.Kind {
	case attrstore.KindBool:
		b = appendBoolField(b, fieldValueBool, v.Bool)
	case attrstore.KindNumber:
		b = protowire.AppendTag(b, fieldValueNumber, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, doubleBits(v.Number))
	case attrstore.KindString:
		b = appendStringField(b, fieldValueString, v.String)
	case attrstore.KindNumberArray:
		for _, n := range v.NumberArray {
			b = protowire.AppendTag(b, fieldValueNumberArray, protowire.Fixed64Type)
			b = protowire.AppendFixed64(b, doubleBits(n))
		}
	case attrstore.KindStringArray:
		for _, s := range v.StringArray {
			b = appendStringField(b, fieldValueStringArray, s)
		}
	}
	return b
}

func decodeValue(b []byte) (attrstore.Value, error) {
	fields, err := parseFields(b)
	if err != nil {
		return attrstore.None, fmt.Errorf("wire: decode value: %w", err)
	}

	// Unknown kinds decode to None, per spec.md §4.9's forward-compat rule
	// for unknown attribute-value tags.
	v := attrstore.None
	for _, f := range fields {
		switch f.Num {
		case fieldValueKind:
			v.Kind = attrstore.Kind(f.Uint)
		case fieldValueBool:
			v.Bool = f.Uint != 0
		case fieldValueNumber:
			v.Number = doubleFromBits(f.Uint)
		case fieldValueString:
			v.String = string(f.Bytes)
		case fieldValueNumberArray:
			v.NumberArray = append(v.NumberArray, doubleFromBits(f.Uint))
		case fieldValueStringArray:
			v.StringArray = append(v.StringArray, string(f.Bytes))
		}
	}
	switch v.Kind {
	case attrstore.KindNone, attrstore.KindBool, attrstore.KindNumber,
		attrstore.KindString, attrstore.KindNumberArray, attrstore.KindStringArray:
	default:
		return attrstore.None, nil
	}
	return v, nil
}

// --- AttrEntry -----------------------------------------------------------

const (
	fieldAttrKey   protowire.Number = 1
	fieldAttrValue protowire.Number = 2
	fieldAttrTs    protowire.Number = 3
)

func encodeAttrEntry(e attrstore.Entry) []byte {
	var b []byte
	b = appendStringField(b, fieldAttrKey, string(e.Key))
	b = appendBytesField(b, fieldAttrValue, encodeValue(e.Value))
	b = appendInstant(b, fieldAttrTs, e.Ts)
	return b
}

func decodeAttrEntry(b []byte) (attrstore.Entry, error) {
	fields, err := parseFields(b)
	if err != nil {
		return attrstore.Entry{}, fmt.Errorf("wire: decode attr entry: %w", err)
	}
	var e attrstore.Entry
	for _, f := range fields {
		switch f.Num {
		case fieldAttrKey:
			e.Key = attrstore.Key(f.Bytes)
		case fieldAttrValue:
			v, err := decodeValue(f.Bytes)
			if err != nil {
				return attrstore.Entry{}, err
			}
			e.Value = v
		case fieldAttrTs:
			ts, err := decodeInstantBytes(f)
			if err != nil {
				return attrstore.Entry{}, err
			}
			e.Ts = ts
		}
	}
	return e, nil
}

func encodeAttrEntries(num protowire.Number, b []byte, entries []attrstore.Entry) []byte {
	for _, e := range entries {
		b = appendBytesField(b, num, encodeAttrEntry(e))
	}
	return b
}

// --- AwareEntry ----------------------------------------------------------

const (
	fieldAwareClient         protowire.Number = 1
	fieldAwareDisconnect     protowire.Number = 2
	fieldAwareIsServer       protowire.Number = 3
	fieldAwareUser           protowire.Number = 4
	fieldAwareActiveFeatures protowire.Number = 5
)

func encodeAwareEntry(w awareness.Write) []byte {
	var b []byte
	b = appendVarintField(b, fieldAwareClient, uint64(w.Client))
	if w.Aware == nil {
		b = appendBoolField(b, fieldAwareDisconnect, true)
		return b
	}
	b = appendBoolField(b, fieldAwareIsServer, w.Aware.IsServer)
	if w.Aware.User != nil {
		raw := uuid.UUID(*w.Aware.User)
		b = appendBytesField(b, fieldAwareUser, raw[:])
	}
	for _, id := range w.Aware.ActiveFeatures {
		b = appendInstant(b, fieldAwareActiveFeatures, clock.Instant(id))
	}
	return b
}

func decodeAwareEntry(b []byte) (awareness.Write, error) {
	fields, err := parseFields(b)
	if err != nil {
		return awareness.Write{}, fmt.Errorf("wire: decode aware entry: %w", err)
	}

	var w awareness.Write
	var a awareness.Aware
	disconnect := false
	for _, f := range fields {
		switch f.Num {
		case fieldAwareClient:
			w.Client = clock.ClientId(f.Uint)
		case fieldAwareDisconnect:
			disconnect = f.Uint != 0
		case fieldAwareIsServer:
			a.IsServer = f.Uint != 0
		case fieldAwareUser:
			if len(f.Bytes) == 16 {
				id := awareness.UserId(uuid.UUID(f.Bytes[:16]))
				a.User = &id
			}
		case fieldAwareActiveFeatures:
			ts, err := decodeInstantBytes(f)
			if err != nil {
				return awareness.Write{}, err
			}
			a.ActiveFeatures = append(a.ActiveFeatures, featurestore.Id(ts))
		}
	}
	if !disconnect {
		w.Aware = &a
	}
	return w, nil
}

func encodeAwareList(writes []awareness.Write) []byte {
	var b []byte
	for _, w := range writes {
		b = appendBytesField(b, 1, encodeAwareEntry(w))
	}
	return b
}

func decodeAwareList(b []byte) ([]awareness.Write, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, fmt.Errorf("wire: decode aware list: %w", err)
	}
	var out []awareness.Write
	for _, f := range fields {
		if f.Num != 1 {
			continue
		}
		w, err := decodeAwareEntry(f.Bytes)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// --- LayerDelta ----------------------------------------------------------

const (
	fieldLayerID    protowire.Number = 1
	fieldLayerIdx   protowire.Number = 2
	fieldLayerPosTs protowire.Number = 3
	fieldLayerAttrs protowire.Number = 4
)

func encodeLayerDelta(l layerstore.RemoteLayer) []byte {
	var b []byte
	raw := uuid.UUID(l.ID)
	b = appendBytesField(b, fieldLayerID, raw[:])
	if l.Pos.Idx != nil {
		b = appendBytesField(b, fieldLayerIdx, []byte(*l.Pos.Idx))
	}
	b = appendInstant(b, fieldLayerPosTs, l.PosTs)
	b = encodeAttrEntries(fieldLayerAttrs, b, l.Attrs)
	return b
}

func decodeLayerDelta(b []byte) (layerstore.RemoteLayer, error) {
	fields, err := parseFields(b)
	if err != nil {
		return layerstore.RemoteLayer{}, fmt.Errorf("wire: decode layer delta: %w", err)
	}
	var l layerstore.RemoteLayer
	for _, f := range fields {
		switch f.Num {
		case fieldLayerID:
			if len(f.Bytes) == 16 {
				l.ID = layerstore.Id(uuid.UUID(f.Bytes[:16]))
			}
		case fieldLayerIdx:
			idx, err := fracidx.Parse(f.Bytes)
			if err != nil {
				return layerstore.RemoteLayer{}, fmt.Errorf("wire: layer idx: %w", err)
			}
			l.Pos.Idx = &idx
		case fieldLayerPosTs:
			ts, err := decodeInstantBytes(f)
			if err != nil {
				return layerstore.RemoteLayer{}, err
			}
			l.PosTs = ts
		case fieldLayerAttrs:
			e, err := decodeAttrEntry(f.Bytes)
			if err != nil {
				return layerstore.RemoteLayer{}, err
			}
			l.Attrs = append(l.Attrs, e)
		}
	}
	return l, nil
}

// --- FeatureDelta --------------------------------------------------------

const (
	fieldFeatureID        protowire.Number = 1
	fieldFeatureTy        protowire.Number = 2
	fieldFeatureAtParent  protowire.Number = 3
	fieldFeatureAtIdx     protowire.Number = 4
	fieldFeatureAtTs      protowire.Number = 5
	fieldFeatureHasAt     protowire.Number = 6
	fieldFeatureAttrs     protowire.Number = 7
)

func encodeFeatureDelta(e featurestore.LiveEntry) []byte {
	var b []byte
	b = appendInstant(b, fieldFeatureID, clock.Instant(e.ID))
	b = appendVarintField(b, fieldFeatureTy, uint64(e.Ty))
	if e.HasAt {
		b = appendBoolField(b, fieldFeatureHasAt, true)
		if e.At != nil {
			b = appendInstant(b, fieldFeatureAtParent, clock.Instant(e.At.Parent))
			b = appendBytesField(b, fieldFeatureAtIdx, []byte(e.At.Idx))
		}
		b = appendInstant(b, fieldFeatureAtTs, e.AtTs)
	}
	b = encodeAttrEntries(fieldFeatureAttrs, b, e.Attrs)
	return b
}

func decodeFeatureDelta(b []byte) (featurestore.LiveEntry, error) {
	fields, err := parseFields(b)
	if err != nil {
		return featurestore.LiveEntry{}, fmt.Errorf("wire: decode feature delta: %w", err)
	}
	var e featurestore.LiveEntry
	var atParent *featurestore.Id
	var atIdx *fracidx.Idx
	for _, f := range fields {
		switch f.Num {
		case fieldFeatureID:
			ts, err := decodeInstantBytes(f)
			if err != nil {
				return featurestore.LiveEntry{}, err
			}
			e.ID = featurestore.Id(ts)
		case fieldFeatureTy:
			e.Ty = featurestore.Type(f.Uint)
		case fieldFeatureAtParent:
			ts, err := decodeInstantBytes(f)
			if err != nil {
				return featurestore.LiveEntry{}, err
			}
			id := featurestore.Id(ts)
			atParent = &id
		case fieldFeatureAtIdx:
			idx, err := fracidx.Parse(f.Bytes)
			if err != nil {
				return featurestore.LiveEntry{}, fmt.Errorf("wire: feature at idx: %w", err)
			}
			atIdx = &idx
		case fieldFeatureAtTs:
			ts, err := decodeInstantBytes(f)
			if err != nil {
				return featurestore.LiveEntry{}, err
			}
			e.AtTs = ts
		case fieldFeatureHasAt:
			e.HasAt = f.Uint != 0
		case fieldFeatureAttrs:
			a, err := decodeAttrEntry(f.Bytes)
			if err != nil {
				return featurestore.LiveEntry{}, err
			}
			e.Attrs = append(e.Attrs, a)
		}
	}
	if atParent != nil && atIdx != nil {
		e.At = &featurestore.At{Parent: *atParent, Idx: *atIdx}
	}
	return e, nil
}

// --- Delta -----------------------------------------------------------------

const (
	fieldDeltaTs           protowire.Number = 1
	fieldDeltaAware        protowire.Number = 2
	fieldDeltaLayers       protowire.Number = 3
	fieldDeltaLiveFeatures protowire.Number = 4
	fieldDeltaDeadFeatures protowire.Number = 5
	fieldDeltaAttrs        protowire.Number = 6
)

func encodeDelta(d replica.Delta) []byte {
	var b []byte
	if d.Ts != nil {
		b = appendInstant(b, fieldDeltaTs, *d.Ts)
	}
	for _, w := range d.Aware {
		b = appendBytesField(b, fieldDeltaAware, encodeAwareEntry(w))
	}
	for _, l := range d.Layers {
		b = appendBytesField(b, fieldDeltaLayers, encodeLayerDelta(l))
	}
	for _, lf := range d.LiveFeatures {
		b = appendBytesField(b, fieldDeltaLiveFeatures, encodeFeatureDelta(lf))
	}
	for _, id := range d.DeadFeatures {
		b = appendInstant(b, fieldDeltaDeadFeatures, clock.Instant(id))
	}
	b = encodeAttrEntries(fieldDeltaAttrs, b, d.Attrs)
	return b
}

func decodeDelta(b []byte) (replica.Delta, error) {
	fields, err := parseFields(b)
	if err != nil {
		return replica.Delta{}, fmt.Errorf("wire: decode delta: %w", err)
	}

	var d replica.Delta
	for _, f := range fields {
		switch f.Num {
		case fieldDeltaTs:
			ts, err := decodeInstantBytes(f)
			if err != nil {
				return replica.Delta{}, err
			}
			d.Ts = &ts
		case fieldDeltaAware:
			w, err := decodeAwareEntry(f.Bytes)
			if err != nil {
				return replica.Delta{}, err
			}
			d.Aware = append(d.Aware, w)
		case fieldDeltaLayers:
			l, err := decodeLayerDelta(f.Bytes)
			if err != nil {
				return replica.Delta{}, err
			}
			d.Layers = append(d.Layers, l)
		case fieldDeltaLiveFeatures:
			lf, err := decodeFeatureDelta(f.Bytes)
			if err != nil {
				return replica.Delta{}, err
			}
			d.LiveFeatures = append(d.LiveFeatures, lf)
		case fieldDeltaDeadFeatures:
			ts, err := decodeInstantBytes(f)
			if err != nil {
				return replica.Delta{}, err
			}
			d.DeadFeatures = append(d.DeadFeatures, featurestore.Id(ts))
		case fieldDeltaAttrs:
			a, err := decodeAttrEntry(f.Bytes)
			if err != nil {
				return replica.Delta{}, err
			}
			d.Attrs = append(d.Attrs, a)
		}
	}
	return d, nil
}

// EncodeSnapshot serializes a replica's clock counter alongside its full
// Save() delta, the on-disk/on-wire form stored by storage.Storage and sent
// to a newly joined peer (spec.md §4.8, §4.12).
func EncodeSnapshot(counter uint64, d replica.Delta) []byte {
	b := make([]byte, 8, 8+64)
	binary.BigEndian.PutUint64(b, counter)
	return append(b, encodeDelta(d)...)
}

// DecodeSnapshot is the inverse of EncodeSnapshot.
func DecodeSnapshot(b []byte) (counter uint64, d replica.Delta, err error) {
	if len(b) < 8 {
		return 0, replica.Delta{}, fmt.Errorf("wire: snapshot too short")
	}
	counter = binary.BigEndian.Uint64(b[:8])
	d, err = decodeDelta(b[8:])
	return counter, d, err
}
