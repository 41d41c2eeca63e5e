package player_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikey-austin/mpv_bridge/internal/core"
	"github.com/mikey-austin/mpv_bridge/internal/player"
	"github.com/mikey-austin/mpv_bridge/internal/player/playertest"
	"github.com/mikey-austin/mpv_bridge/pkg/bridge"
)

const testStateTopic = "video/host1/state/player"

func testConfig(socketPath string) player.Config {
	return player.Config{
		Mode:       bridge.ModeVideo,
		Monitor:    1,
		Volume:     100,
		Speed:      1,
		SocketPath: socketPath,
		StateTopic: testStateTopic,
		Grace:      50 * time.Millisecond,
	}
}

func newTestSupervisor(t *testing.T, cfg player.Config) (*player.Supervisor, *playertest.Spawner, *playertest.Channel, *playertest.Publisher) {
	t.Helper()
	spawner := &playertest.Spawner{}
	channel := &playertest.Channel{}
	pub := &playertest.Publisher{}
	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(t.TempDir(), "mpv.sock")
	}
	sup, err := player.NewSupervisor(zap.NewNop(), spawner, channel, pub, cfg)
	require.NoError(t, err)
	t.Cleanup(sup.Close)
	return sup, spawner, channel, pub
}

func TestStartVideoInvocation(t *testing.T) {
	sup, spawner, _, pub := newTestSupervisor(t, testConfig(""))
	ctx := context.Background()

	require.NoError(t, sup.Start(ctx, "https://example.com/a.mp4", false))

	require.Len(t, spawner.Calls(), 1)
	call := spawner.Calls()[0]
	require.Equal(t, "mpv", call[0])
	require.Contains(t, call, "--fs")
	require.Contains(t, call, "--screen=1")
	require.Contains(t, call, "--no-osc")
	require.Contains(t, call, "--no-input-cursor")
	require.Contains(t, call, "--volume=100")
	require.Contains(t, call, "--speed=1")
	require.Contains(t, call, "--input-ipc-server="+sup.Snapshot().ControlPath)
	require.NotContains(t, call, "--loop-file=inf")
	require.NotContains(t, call, "--no-video")
	require.Equal(t, "https://example.com/a.mp4", call[len(call)-1])

	snap := sup.Snapshot()
	require.Equal(t, player.Playing, snap.Status)
	require.Equal(t, "https://example.com/a.mp4", snap.CurrentURL)
	require.Equal(t, []string{bridge.StatePlay}, pub.Values())
	msgs := pub.Messages()
	require.False(t, msgs[0].Retained)
	require.Equal(t, testStateTopic, msgs[0].Topic)
}

func TestStartAudioLoopInvocation(t *testing.T) {
	cfg := testConfig("")
	cfg.Mode = bridge.ModeAudio
	cfg.Volume = 40
	cfg.Speed = 1.25
	cfg.Binary = "/usr/local/bin/mpv"
	cfg.ExtraArgs = []string{"--audio-device=alsa/default"}
	sup, spawner, _, _ := newTestSupervisor(t, cfg)

	require.NoError(t, sup.Start(context.Background(), "http://radio.local/stream", true))

	call := spawner.Calls()[0]
	require.Equal(t, "/usr/local/bin/mpv", call[0])
	require.Contains(t, call, "--no-video")
	require.Contains(t, call, "--loop-file=inf")
	require.Contains(t, call, "--volume=40")
	require.Contains(t, call, "--speed=1.25")
	require.Contains(t, call, "--audio-device=alsa/default")
	require.NotContains(t, call, "--fs")
	require.True(t, sup.Snapshot().Loop)
}

func TestStartKeepsAtMostOnePlayer(t *testing.T) {
	sup, spawner, _, pub := newTestSupervisor(t, testConfig(""))
	ctx := context.Background()

	for _, url := range []string{"https://a/1", "https://a/2", "https://a/3", "https://a/4"} {
		require.NoError(t, sup.Start(ctx, url, false))
		live, _ := spawner.Live()
		require.Equal(t, 1, live)
	}

	live, maxLive := spawner.Live()
	require.Len(t, spawner.Calls(), 4)
	require.Equal(t, 1, live)
	require.Equal(t, 1, maxLive)
	require.Equal(t, "https://a/4", sup.Snapshot().CurrentURL)
	// replacing a player publishes play only
	require.Equal(t, []string{"play", "play", "play", "play"}, pub.Values())

	sup.Stop()
	live, _ = spawner.Live()
	require.Equal(t, 0, live)
}

func TestStopIdempotent(t *testing.T) {
	sup, spawner, _, pub := newTestSupervisor(t, testConfig(""))

	sup.Stop()
	require.Empty(t, pub.Values())

	require.NoError(t, sup.Start(context.Background(), "https://example.com/a.mp4", false))
	proc := spawner.Last()
	sup.Stop()
	sup.Stop()

	terminates, kills := proc.Signals()
	require.Equal(t, 1, terminates)
	require.Equal(t, 0, kills)
	require.Equal(t, []string{"play", "stop"}, pub.Values())

	snap := sup.Snapshot()
	require.Equal(t, player.Stopped, snap.Status)
	require.Empty(t, snap.CurrentURL)
	require.Zero(t, snap.PID)
}

func TestStopKillsAfterGrace(t *testing.T) {
	sup, spawner, _, _ := newTestSupervisor(t, testConfig(""))
	spawner.Stubborn(true)

	require.NoError(t, sup.Start(context.Background(), "https://example.com/a.mp4", false))
	started := time.Now()
	sup.Stop()

	require.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)
	terminates, kills := spawner.Last().Signals()
	require.Equal(t, 1, terminates)
	require.Equal(t, 1, kills)
	require.Equal(t, player.Stopped, sup.Snapshot().Status)
}

func TestPauseFromStoppedIsNoop(t *testing.T) {
	sup, _, channel, pub := newTestSupervisor(t, testConfig(""))

	sup.Pause(context.Background())
	sup.Resume(context.Background())

	require.Empty(t, channel.Commands())
	require.Empty(t, pub.Values())
	require.Equal(t, player.Stopped, sup.Snapshot().Status)
}

func TestPauseResume(t *testing.T) {
	sup, _, channel, pub := newTestSupervisor(t, testConfig(""))
	ctx := context.Background()
	require.NoError(t, sup.Start(ctx, "https://example.com/a.mp4", false))

	sup.Pause(ctx)
	require.Equal(t, player.Paused, sup.Snapshot().Status)
	sup.Pause(ctx)
	sup.Resume(ctx)
	require.Equal(t, player.Playing, sup.Snapshot().Status)
	sup.Resume(ctx)

	cmds := channel.Commands()
	require.Equal(t, []player.Command{player.SetProperty("pause", true), player.SetProperty("pause", false)}, cmds)
	require.Equal(t, []string{"play", "pause", "play"}, pub.Values())
}

func TestPauseSendFailureIsOptimistic(t *testing.T) {
	sup, _, channel, pub := newTestSupervisor(t, testConfig(""))
	ctx := context.Background()
	require.NoError(t, sup.Start(ctx, "https://example.com/a.mp4", false))
	channel.SetErr(core.WrapError(core.ErrChannelNotFound, "send", nil))

	sup.Pause(ctx)

	require.Equal(t, player.Paused, sup.Snapshot().Status)
	require.Equal(t, []string{"play", "pause"}, pub.Values())
}

func TestRollbackOnSendFailure(t *testing.T) {
	cfg := testConfig("")
	cfg.RollbackOnSendFailure = true
	sup, _, channel, pub := newTestSupervisor(t, cfg)
	ctx := context.Background()
	require.NoError(t, sup.Start(ctx, "https://example.com/a.mp4", false))
	channel.SetErr(errors.New("broken pipe"))

	sup.Pause(ctx)
	sup.SetVolume(ctx, 20)
	sup.SetSpeed(ctx, 2)

	snap := sup.Snapshot()
	require.Equal(t, player.Playing, snap.Status)
	require.Equal(t, 100.0, snap.Volume)
	require.Equal(t, 1.0, snap.Speed)
	require.Equal(t, []string{"play"}, pub.Values())
	require.Len(t, channel.Commands(), 3)
}

func TestVolumeAndSpeed(t *testing.T) {
	sup, spawner, channel, _ := newTestSupervisor(t, testConfig(""))
	ctx := context.Background()

	sup.SetVolume(ctx, 50)
	sup.SetSpeed(ctx, 1.5)
	require.Empty(t, channel.Commands())
	require.Equal(t, 50.0, sup.Snapshot().Volume)
	require.Equal(t, 1.5, sup.Snapshot().Speed)

	require.NoError(t, sup.Start(ctx, "https://example.com/a.mp4", false))
	require.Contains(t, spawner.Calls()[0], "--volume=50")
	require.Contains(t, spawner.Calls()[0], "--speed=1.5")

	sup.SetVolume(ctx, 75)
	require.Equal(t, []player.Command{player.SetProperty("volume", 75.0)}, channel.Commands())
}

func TestSeek(t *testing.T) {
	sup, _, channel, _ := newTestSupervisor(t, testConfig(""))
	ctx := context.Background()

	sup.Seek(ctx, 10, bridge.SeekAbsolute)
	require.Empty(t, channel.Commands())

	require.NoError(t, sup.Start(ctx, "https://example.com/a.mp4", false))
	sup.Seek(ctx, 10, bridge.SeekRelative)
	require.Equal(t, []player.Command{player.SeekCommand(10, bridge.SeekRelative)}, channel.Commands())
}

func TestExternalExit(t *testing.T) {
	sup, spawner, _, pub := newTestSupervisor(t, testConfig(""))
	require.NoError(t, sup.Start(context.Background(), "https://example.com/a.mp4", false))

	spawner.Last().Exit()

	select {
	case exit := <-sup.Exits():
		sup.HandleExit(exit)
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for exit")
	}

	snap := sup.Snapshot()
	require.Equal(t, player.Stopped, snap.Status)
	require.Empty(t, snap.CurrentURL)
	require.Equal(t, []string{"play", "stop"}, pub.Values())

	// stopping again does nothing
	sup.Stop()
	require.Equal(t, []string{"play", "stop"}, pub.Values())
}

func TestExitOfReplacedPlayerIgnored(t *testing.T) {
	sup, _, _, pub := newTestSupervisor(t, testConfig(""))
	ctx := context.Background()
	require.NoError(t, sup.Start(ctx, "https://a/1", false))
	require.NoError(t, sup.Start(ctx, "https://a/2", false))

	select {
	case exit := <-sup.Exits():
		sup.HandleExit(exit)
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for exit")
	}

	snap := sup.Snapshot()
	require.Equal(t, player.Playing, snap.Status)
	require.Equal(t, "https://a/2", snap.CurrentURL)
	require.Equal(t, []string{"play", "play"}, pub.Values())
}

func TestSpawnFailure(t *testing.T) {
	sup, spawner, _, pub := newTestSupervisor(t, testConfig(""))
	spawner.Fail(errors.New("exec: \"mpv\": executable file not found in $PATH"))

	err := sup.Start(context.Background(), "https://example.com/a.mp4", false)
	require.ErrorIs(t, err, core.ErrProcess)
	require.Equal(t, player.Stopped, sup.Snapshot().Status)
	require.Empty(t, pub.Values())
}

func TestSpawnFailureWhileReplacingPublishesStop(t *testing.T) {
	sup, spawner, _, pub := newTestSupervisor(t, testConfig(""))
	ctx := context.Background()
	require.NoError(t, sup.Start(ctx, "https://a/1", false))
	first := spawner.Last()

	spawner.Fail(errors.New("exec: mpv: permission denied"))
	err := sup.Start(ctx, "https://a/2", false)
	require.ErrorIs(t, err, core.ErrProcess)

	select {
	case <-first.Done():
	default:
		t.Fatalf("replaced player still running")
	}
	snap := sup.Snapshot()
	require.Equal(t, player.Stopped, snap.Status)
	require.Empty(t, snap.CurrentURL)
	require.Equal(t, []string{"play", "stop"}, pub.Values())

	// the exit of the replaced player adds nothing
	select {
	case exit := <-sup.Exits():
		sup.HandleExit(exit)
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for exit")
	}
	require.Equal(t, []string{"play", "stop"}, pub.Values())

	spawner.Fail(nil)
	require.NoError(t, sup.Start(ctx, "https://a/3", false))
	require.Equal(t, []string{"play", "stop", "play"}, pub.Values())
}

func TestNewSupervisorValidation(t *testing.T) {
	_, err := player.NewSupervisor(nil, &playertest.Spawner{}, nil, nil, player.Config{Mode: "radio"})
	require.ErrorIs(t, err, core.ErrConfig)

	_, err = player.NewSupervisor(nil, &playertest.Spawner{}, nil, nil, player.Config{Mode: bridge.ModeVideo, Monitor: -1})
	require.ErrorIs(t, err, core.ErrConfig)

	_, err = player.NewSupervisor(nil, nil, nil, nil, player.Config{Mode: bridge.ModeVideo})
	require.Error(t, err)

	sup, err := player.NewSupervisor(nil, &playertest.Spawner{}, nil, nil, player.Config{Mode: bridge.ModeAudio})
	require.NoError(t, err)
	snap := sup.Snapshot()
	require.Equal(t, 1.0, snap.Speed)
	require.Equal(t, player.DefaultSocketPath(""), snap.ControlPath)
}
