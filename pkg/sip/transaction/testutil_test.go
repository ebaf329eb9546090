package transaction

import (
	"github.com/emiago/sipgo/sip"
)

// newTestRequest строит минимальный корректный запрос для тестов.
func newTestRequest(method sip.RequestMethod, branch string) *sip.Request {
	recipient := sip.Uri{User: "bob", Host: "example.com", Port: 5060}
	req := sip.NewRequest(method, recipient)

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "client.example.com",
		Port:            5060,
		Params:          sip.NewParams().Add("branch", branch),
	}
	req.PrependHeader(via)

	from := &sip.FromHeader{
		Address: sip.Uri{User: "alice", Host: "client.example.com"},
		Params:  sip.NewParams().Add("tag", "from-tag-1"),
	}
	req.AppendHeader(from)

	to := &sip.ToHeader{
		Address: sip.Uri{User: "bob", Host: "example.com"},
		Params:  sip.NewParams(),
	}
	req.AppendHeader(to)

	cid := sip.CallIDHeader("test-call-id@client.example.com")
	req.AppendHeader(&cid)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.SetBody(nil)
	return req
}
