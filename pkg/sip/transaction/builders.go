package transaction

import (
	"github.com/emiago/sipgo/sip"
)

// BuildACKForNon2xx строит ACK для не-2xx финального ответа на INVITE.
// Такой ACK принадлежит той же транзакции, что и INVITE: тот же Via branch,
// тот же CSeq номер с методом ACK (RFC 3261 §17.1.1.3).
// ACK для 2xx строится диалоговым слоем, не здесь.
func BuildACKForNon2xx(invite *sip.Request, resp *sip.Response) (*sip.Request, error) {
	if invite == nil || invite.Method != sip.INVITE {
		return nil, ErrInvalidRequest
	}
	if resp == nil || resp.StatusCode < 300 {
		return nil, ErrInvalidResponse
	}

	ack := sip.NewRequest(sip.ACK, invite.Recipient)

	// Via, From, Call-ID, Route - как в INVITE
	sip.CopyHeaders("Via", invite, ack)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)
	sip.CopyHeaders("Route", invite, ack)

	// To - из ответа, включая tag
	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params.Clone(),
		})
	}

	// CSeq - тот же номер, метод ACK
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{
			SeqNo:      cseq.SeqNo,
			MethodName: sip.ACK,
		})
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	ack.SetBody(nil)

	return ack, nil
}

// BuildCANCEL строит CANCEL для отмены незавершенного INVITE
// (RFC 3261 §9.1): Via, From, To, Call-ID как в отменяемом запросе,
// CSeq с тем же номером и методом CANCEL.
func BuildCANCEL(invite *sip.Request) (*sip.Request, error) {
	if invite == nil {
		return nil, ErrInvalidRequest
	}
	if invite.Method == sip.ACK || invite.Method == sip.CANCEL {
		return nil, ErrCannotCancel
	}

	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)

	sip.CopyHeaders("Via", invite, cancel)
	sip.CopyHeaders("From", invite, cancel)
	sip.CopyHeaders("To", invite, cancel)
	sip.CopyHeaders("Call-ID", invite, cancel)
	sip.CopyHeaders("Route", invite, cancel)

	if cseq := invite.CSeq(); cseq != nil {
		cancel.AppendHeader(&sip.CSeqHeader{
			SeqNo:      cseq.SeqNo,
			MethodName: sip.CANCEL,
		})
	}

	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)

	cancel.SetBody(nil)

	return cancel, nil
}
