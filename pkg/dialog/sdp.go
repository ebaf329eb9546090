package dialog

import (
	"fmt"
	"sync"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

// NegotiationState — состояние SDP-переговоров offer/answer.
type NegotiationState string

const (
	// NegotiationIdle - переговоры не начаты
	NegotiationIdle NegotiationState = "Idle"
	// OfferSent - локальное предложение отправлено, ждём ответ
	OfferSent NegotiationState = "OfferSent"
	// OfferReceived - получено удалённое предложение, должны ответить
	OfferReceived NegotiationState = "OfferReceived"
	// NegotiationComplete - обмен offer/answer завершён
	NegotiationComplete NegotiationState = "Complete"
)

// ErrNegotiationState indicates an offer/answer operation out of sequence
var ErrNegotiationState = errors.New("invalid SDP negotiation state")

// NegotiationContext отслеживает обмен SDP offer/answer внутри диалога
// и хранит обе стороны согласованной сессии.
type NegotiationContext struct {
	mu         sync.RWMutex
	state      NegotiationState
	localSDP   *sdp.SessionDescription
	remoteSDP  *sdp.SessionDescription
	localRaw   []byte
	remoteRaw  []byte
}

// NewNegotiationContext создаёт контекст переговоров в состоянии Idle.
func NewNegotiationContext() *NegotiationContext {
	return &NegotiationContext{state: NegotiationIdle}
}

// State возвращает текущее состояние переговоров.
func (n *NegotiationContext) State() NegotiationState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// SetLocalOffer фиксирует локальное предложение. Легально из Idle и Complete
// (повторные переговоры через re-INVITE).
func (n *NegotiationContext) SetLocalOffer(raw []byte) error {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal(raw); err != nil {
		return errors.Wrap(err, "parse local SDP offer")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != NegotiationIdle && n.state != NegotiationComplete {
		return errors.Wrapf(ErrNegotiationState, "local offer in state %s", n.state)
	}
	n.localSDP = parsed
	n.localRaw = raw
	n.state = OfferSent
	return nil
}

// SetRemoteOffer фиксирует удалённое предложение. Легально из Idle и Complete.
func (n *NegotiationContext) SetRemoteOffer(raw []byte) error {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal(raw); err != nil {
		return errors.Wrap(err, "parse remote SDP offer")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != NegotiationIdle && n.state != NegotiationComplete {
		return errors.Wrapf(ErrNegotiationState, "remote offer in state %s", n.state)
	}
	n.remoteSDP = parsed
	n.remoteRaw = raw
	n.state = OfferReceived
	return nil
}

// SetRemoteAnswer завершает переговоры ответом удалённой стороны.
// Легально только из OfferSent.
func (n *NegotiationContext) SetRemoteAnswer(raw []byte) error {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal(raw); err != nil {
		return errors.Wrap(err, "parse remote SDP answer")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != OfferSent {
		return errors.Wrapf(ErrNegotiationState, "remote answer in state %s", n.state)
	}
	n.remoteSDP = parsed
	n.remoteRaw = raw
	n.state = NegotiationComplete
	return nil
}

// SetLocalAnswer завершает переговоры локальным ответом.
// Легально только из OfferReceived.
func (n *NegotiationContext) SetLocalAnswer(raw []byte) error {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal(raw); err != nil {
		return errors.Wrap(err, "parse local SDP answer")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != OfferReceived {
		return errors.Wrapf(ErrNegotiationState, "local answer in state %s", n.state)
	}
	n.localSDP = parsed
	n.localRaw = raw
	n.state = NegotiationComplete
	return nil
}

// LocalSDP возвращает сырое локальное SDP. Nil, если ещё не установлено.
func (n *NegotiationContext) LocalSDP() []byte {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.localRaw
}

// RemoteSDP возвращает сырое удалённое SDP. Nil, если ещё не установлено.
func (n *NegotiationContext) RemoteSDP() []byte {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.remoteRaw
}

// RemoteMediaEndpoint извлекает адрес и порт аудиопотока удалённой стороны
// из её SDP. Connection на уровне медиа имеет приоритет над уровнем сессии.
func (n *NegotiationContext) RemoteMediaEndpoint() (string, int, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.remoteSDP == nil {
		return "", 0, errors.New("remote SDP is not set")
	}

	var audioMedia *sdp.MediaDescription
	for _, media := range n.remoteSDP.MediaDescriptions {
		if media.MediaName.Media == "audio" {
			audioMedia = media
			break
		}
	}
	if audioMedia == nil {
		return "", 0, errors.New("no audio media description in remote SDP")
	}

	var connInfo *sdp.ConnectionInformation
	if audioMedia.ConnectionInformation != nil {
		connInfo = audioMedia.ConnectionInformation
	} else if n.remoteSDP.ConnectionInformation != nil {
		connInfo = n.remoteSDP.ConnectionInformation
	}
	if connInfo == nil || connInfo.Address == nil {
		return "", 0, errors.New("no connection information in remote SDP")
	}

	return connInfo.Address.Address, audioMedia.MediaName.Port.Value, nil
}

// RemoteMediaAddr возвращает адрес аудиопотока удалённой стороны в формате host:port.
func (n *NegotiationContext) RemoteMediaAddr() (string, error) {
	host, port, err := n.RemoteMediaEndpoint()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", host, port), nil
}

// Reset возвращает контекст в Idle для повторных переговоров.
func (n *NegotiationContext) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = NegotiationIdle
	n.localSDP = nil
	n.remoteSDP = nil
	n.localRaw = nil
	n.remoteRaw = nil
}
