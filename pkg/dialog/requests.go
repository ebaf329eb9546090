package dialog

import (
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// BuildRequest строит новый запрос внутри диалога: Request-URI берётся из
// remote target, From/To несут идентичность диалога с тегами, CSeq инкрементируется
// ровно один раз, маршрутный набор копируется в заголовки Route.
// Заголовок Via с новым branch добавляет транзакционный слой при отправке.
func (d *Dialog) BuildRequest(method sip.RequestMethod) (*sip.Request, error) {
	if d.State() == Terminated {
		return nil, errors.Wrapf(ErrDialogTerminated, "cannot build %s", method)
	}

	d.mu.RLock()
	target := d.remoteTarget
	localURI := d.localURI
	remoteURI := d.remoteURI
	localTag := d.localTag
	remoteTag := d.remoteTag
	callID := d.callID
	routes := make([]sip.Uri, len(d.routeSet))
	copy(routes, d.routeSet)
	d.mu.RUnlock()

	if target.Host == "" {
		return nil, errors.Wrapf(ErrNoRemoteTarget, "cannot build %s", method)
	}

	req := sip.NewRequest(method, target)

	from := &sip.FromHeader{
		Address: localURI,
		Params:  sip.NewParams().Add("tag", localTag),
	}
	req.AppendHeader(from)

	to := &sip.ToHeader{
		Address: remoteURI,
		Params:  sip.NewParams(),
	}
	if remoteTag != "" {
		to.Params = to.Params.Add("tag", remoteTag)
	}
	req.AppendHeader(to)

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)

	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      d.NextLocalCSeq(),
		MethodName: method,
	})

	for _, route := range routes {
		req.AppendHeader(&sip.RouteHeader{Address: route})
	}

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.SetBody(nil)
	return req, nil
}

// BuildBYE строит BYE для завершения диалога.
func (d *Dialog) BuildBYE() (*sip.Request, error) {
	return d.BuildRequest(sip.BYE)
}

// BuildReINVITE строит re-INVITE с новым SDP-предложением для обновления
// параметров сессии.
func (d *Dialog) BuildReINVITE(sdpBody []byte) (*sip.Request, error) {
	req, err := d.BuildRequest(sip.INVITE)
	if err != nil {
		return nil, err
	}
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(sdpBody)
	return req, nil
}

// BuildACK строит ACK на финальный 2xx. ACK не принадлежит INVITE транзакции:
// он уходит напрямую через транспорт, поэтому Via с собственным branch
// проставляется здесь. CSeq повторяет номер подтверждаемого INVITE.
func (d *Dialog) BuildACK() (*sip.Request, error) {
	d.mu.RLock()
	target := d.remoteTarget
	localURI := d.localURI
	remoteURI := d.remoteURI
	localTag := d.localTag
	remoteTag := d.remoteTag
	callID := d.callID
	routes := make([]sip.Uri, len(d.routeSet))
	copy(routes, d.routeSet)
	d.mu.RUnlock()

	if target.Host == "" {
		return nil, errors.Wrap(ErrNoRemoteTarget, "cannot build ACK")
	}

	ack := sip.NewRequest(sip.ACK, target)

	ack.PrependHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            localURI.Host,
		Port:            localURI.Port,
		Params:          sip.NewParams().Add("branch", sip.GenerateBranch()),
	})

	ack.AppendHeader(&sip.FromHeader{
		Address: localURI,
		Params:  sip.NewParams().Add("tag", localTag),
	})
	to := &sip.ToHeader{
		Address: remoteURI,
		Params:  sip.NewParams(),
	}
	if remoteTag != "" {
		to.Params = to.Params.Add("tag", remoteTag)
	}
	ack.AppendHeader(to)

	cid := sip.CallIDHeader(callID)
	ack.AppendHeader(&cid)

	ack.AppendHeader(&sip.CSeqHeader{
		SeqNo:      d.LocalCSeq(),
		MethodName: sip.ACK,
	})

	for _, route := range routes {
		ack.AppendHeader(&sip.RouteHeader{Address: route})
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	ack.SetBody(nil)
	return ack, nil
}

// BuildINFO строит INFO-запрос с произвольным телом, например для DTMF.
func (d *Dialog) BuildINFO(contentType string, body []byte) (*sip.Request, error) {
	req, err := d.BuildRequest(sip.INFO)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}
	req.SetBody(body)
	return req, nil
}
