package ws

import "encoding/json"

// Serialize wraps a message in the {type, payload} envelope the clients
// speak.
func Serialize(msg Message) ([]byte, error) {
	payload, err := ToJson(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(SerializedMessage{
		Type:    msg.GetType(),
		Payload: payload,
	})
}

// Deserialize decodes an envelope and hydrates the registered message type
// its type field names.
func Deserialize(raw []byte) (Message, error) {
	var envelope SerializedMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}
	return DeserializeSerializedMessage(&envelope)
}

func DeserializeSerializedMessage(envelope *SerializedMessage) (Message, error) {
	msg, err := CreateMessage(envelope.Type, typeRegistry)
	if err != nil {
		return nil, err
	}
	if err := FromJson(envelope.Payload, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
