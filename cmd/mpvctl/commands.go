package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mikey-austin/mpv_bridge/internal/adapters/mqtt"
	"github.com/mikey-austin/mpv_bridge/internal/adapters/output"
	"github.com/mikey-austin/mpv_bridge/internal/core"
	"github.com/mikey-austin/mpv_bridge/internal/topics"
	"github.com/mikey-austin/mpv_bridge/pkg/bridge"
)

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return core.WrapError(core.ErrUsage, cmd.Name(), err)
		}
		return nil
	}
}

func playCommand() *cobra.Command {
	var loop bool
	cmd := &cobra.Command{
		Use:   "play <url>",
		Short: "Start playing a URL",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			leaf := bridge.LeafURL
			if loop {
				leaf = bridge.LeafURLLoop
			}
			url := strings.TrimSpace(args[0])
			return send(cmd, leaf, url, func(ctx context.Context, c *mqtt.Controller) error {
				return c.Play(ctx, url, loop)
			})
		},
	}
	cmd.Flags().BoolVarP(&loop, "loop", "l", false, "loop the file forever")
	return cmd
}

func controlCommand(use, short, payload string, publish func(*mqtt.Controller, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return send(cmd, bridge.LeafControl, payload, func(ctx context.Context, c *mqtt.Controller) error {
				return publish(c, ctx)
			})
		},
	}
}

func pauseCommand() *cobra.Command {
	return controlCommand("pause", "Pause playback", bridge.ControlPause, (*mqtt.Controller).Pause)
}

func resumeCommand() *cobra.Command {
	return controlCommand("resume", "Resume paused playback", bridge.ControlPlay, (*mqtt.Controller).Resume)
}

func stopCommand() *cobra.Command {
	return controlCommand("stop", "Stop playback", bridge.ControlStop, (*mqtt.Controller).Stop)
}

func seekCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "seek <seconds|+n|-n>",
		Short:   "Seek to a position or by an offset",
		Example: "  mpvctl seek 90\n  mpvctl seek -- -10",
		Args:    exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos := strings.TrimSpace(args[0])
			return send(cmd, bridge.LeafSeek, pos, func(ctx context.Context, c *mqtt.Controller) error {
				return c.Seek(ctx, pos)
			})
		},
	}
}

func volumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "volume <level>",
		Aliases: []string{"vol"},
		Short:   "Set the player volume",
		Args:    exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := strings.TrimSpace(args[0])
			return send(cmd, bridge.LeafVolume, v, func(ctx context.Context, c *mqtt.Controller) error {
				return c.SetVolume(ctx, v)
			})
		},
	}
}

func speedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "speed <factor>",
		Short: "Set the playback speed",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := strings.TrimSpace(args[0])
			return send(cmd, bridge.LeafSpeed, v, func(ctx context.Context, c *mqtt.Controller) error {
				return c.SetSpeed(ctx, v)
			})
		},
	}
}

func statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which bridges are online",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, c, err := connected(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout*2)
			defer cancel()
			instances, err := c.Instances(ctx)
			if err != nil {
				return err
			}
			return a.printer.Print(output.Instances(instances))
		},
	}
}

func watchCommand() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print player and instance state changes",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, c, err := connected(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			updates, errs := c.Watch(ctx)
			seen := 0
			for {
				select {
				case <-ctx.Done():
					return nil
				case err, ok := <-errs:
					if !ok {
						return nil
					}
					if err != nil {
						return err
					}
				case update := <-updates:
					if err := a.printer.Print(update); err != nil {
						return err
					}
					seen++
					if count > 0 && seen >= count {
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after n updates")
	return cmd
}

func topicsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "topics",
		Short: "List the topics a bridge on the target host uses",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := fromContext(cmd)
			if !bridge.ValidMode(a.cfg.General.Mode) {
				return core.WrapError(core.ErrUsage, "topics", fmt.Errorf("invalid mode %q", a.cfg.General.Mode))
			}
			registry, err := a.cfg.BuildRegistry(a.host)
			if err != nil {
				return err
			}
			rows := output.Topics{}
			for _, category := range topics.Categories {
				for _, topic := range registry.Topics(category) {
					rows = append(rows, output.TopicRow{Category: string(category), Topic: topic})
				}
			}
			rows = append(rows,
				output.TopicRow{Category: "player-state", Topic: registry.PlayerState()},
				output.TopicRow{Category: "instance-state", Topic: registry.InstanceState()},
			)
			return a.printer.Print(rows)
		},
	}
}
