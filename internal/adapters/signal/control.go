package signal

import "github.com/dkeye/Mesh/internal/adapters/store/remote"

func (ctl *StoreWSController) handlePing(s *storeSession, f *remote.Frame) {
	ctl.send(s, &remote.Frame{ID: f.ID, Op: remote.OpPong})
}
