package chat

// onLivenessTick refreshes the local registry record.
func (l *loop) onLivenessTick() {
	ctx, cancel := l.session.registryContext()
	defer cancel()
	l.session.opts.Directory.Touch(ctx, l.selfID)
}

// onDiscoveryTick prunes the registry and dials every live peer that is
// neither connected nor being connected to.
func (l *loop) onDiscoveryTick() {
	ctx, cancel := l.session.registryContext()
	peers := l.session.opts.Directory.SweepAndList(ctx, l.selfID)
	cancel()

	for _, peer := range peers {
		if peer.PeerID == l.selfID {
			continue
		}
		if err := l.connect(peer.PeerID); err != nil {
			l.session.logger.Warn("discovery dial failed", "peer", peer.PeerID, "error", err)
			l.session.report(err)
		}
	}
}
