package agency

import (
	"time"

	"github.com/mesmerverse/agency-relay/protocol"
)

var now = time.Now

// Response helpers

func reply(msg *protocol.Message, t protocol.MessageType, payload any) ([]byte, error) {
	out, err := msg.Reply(t, payload)
	if err != nil {
		return nil, err
	}
	return out.Encode()
}

// problemReport turns err into a PROBLEM_REPORT reply. msg may be nil
// when the request could not be parsed.
func problemReport(msg *protocol.Message, err error) ([]byte, error) {
	code, text := problemCode(err)
	payload := protocol.ProblemReport{Code: code, Message: text}

	var out *protocol.Message
	var encErr error
	if msg != nil {
		out, encErr = msg.Reply(protocol.MessageTypeProblemReport, payload)
	} else {
		out, encErr = protocol.NewMessage(protocol.MessageTypeProblemReport, payload)
	}
	if encErr != nil {
		return nil, encErr
	}
	return out.Encode()
}

func copyConfigs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
