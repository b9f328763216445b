package command

// Reserved message keys. They always carry the correlator's values.
const (
	FieldID     = "id"
	FieldTS     = "ts"
	FieldAction = "action"

	FieldClienteID = "cliente_id"
	FieldIDHuella  = "id_huella"
)

// Command is one device instruction.
//
// Callers either fill the typed fields (the enrolment and door flows do) or
// hand over an opaque Payload map (the generic operator endpoint does). Both
// end up in a single flat JSON object; see Merge.
type Command struct {
	Action string

	// ClienteID and IDHuella address a gym member on fingerprint readers.
	ClienteID *int64
	IDHuella  *int64

	// Payload holds any extra fields for the device.
	Payload map[string]any
}

// Merge flattens the command into the wire message.
//
// Precedence, lowest to highest: Payload keys, then the typed fields, then
// id, ts and action. Merge never mutates c.Payload.
func (c Command) Merge(id string, ts int64) map[string]any {
	msg := make(map[string]any, len(c.Payload)+5)
	for k, v := range c.Payload {
		msg[k] = v
	}
	if c.ClienteID != nil {
		msg[FieldClienteID] = *c.ClienteID
	}
	if c.IDHuella != nil {
		msg[FieldIDHuella] = *c.IDHuella
	}
	msg[FieldID] = id
	msg[FieldTS] = ts
	msg[FieldAction] = c.Action
	return msg
}

// Ack is the acknowledgement a device publishes. Extra fields are ignored.
type Ack struct {
	ID string `json:"id"`
	OK bool   `json:"ok"`
}

// Int64 returns a pointer to v, for filling Command's optional fields.
func Int64(v int64) *int64 {
	return &v
}
