package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcoot/rhythmsync/internal/model"
	"github.com/mcoot/rhythmsync/internal/protocol"
)

const responseTimeout = 5 * time.Second

// connect dials the server and, when needAuth is set, authenticates with
// the --token value (failing if it is empty).
func connect(needAuth bool) (*Client, error) {
	c, err := Dial(serverAddr)
	if err != nil {
		return nil, err
	}
	if !needAuth {
		return c, nil
	}
	if token == "" {
		c.Close()
		return nil, errors.New("--token is required")
	}
	resp, err := c.Authenticate(token)
	if err != nil {
		c.Close()
		return nil, err
	}
	fmt.Printf("authenticated as %s (%d)\n", resp.User.Name, resp.User.ID)
	if resp.Room != nil {
		fmt.Printf("resumed room %s\n", resp.Room.RoomID)
	}
	return c, nil
}

// request sends cmd and waits for a response matched by match, printing the
// outcome of its Result.
func request(c *Client, cmd protocol.ClientCommand, match func(protocol.ServerCommand) (protocol.Result, bool)) error {
	if err := c.Send(cmd); err != nil {
		return err
	}
	got, err := c.RecvUntil(responseTimeout, func(sc protocol.ServerCommand) bool {
		_, ok := match(sc)
		return ok
	})
	if err != nil {
		return err
	}
	res, _ := match(got)
	if !res.OK() {
		return fmt.Errorf("server: %s", res.Err)
	}
	fmt.Println("ok")
	return nil
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check the server answers on the wire protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(false)
			if err != nil {
				return err
			}
			defer c.Close()
			start := time.Now()
			if err := c.Send(protocol.ClientPing{}); err != nil {
				return err
			}
			if _, err := c.RecvUntil(responseTimeout, func(sc protocol.ServerCommand) bool {
				_, ok := sc.(protocol.ServerPong)
				return ok
			}); err != nil {
				return err
			}
			fmt.Printf("pong in %s (server protocol v%d)\n", time.Since(start), c.ServerVersion)
			return nil
		},
	}
}

func newAuthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Authenticate and print the resolved user",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(true)
			if err != nil {
				return err
			}
			return c.Close()
		},
	}
}

func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <room-id>",
		Short: "Create a room and stay in it, printing broadcasts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := model.ParseRoomID(args[0])
			if err != nil {
				return err
			}
			c, err := connect(true)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := request(c, protocol.ClientCreateRoom{ID: id}, func(sc protocol.ServerCommand) (protocol.Result, bool) {
				r, ok := sc.(protocol.ServerCreateRoomResponse)
				return r.Result, ok
			}); err != nil {
				return err
			}
			return watch(c)
		},
	}
}

func newJoinCmd() *cobra.Command {
	var monitor bool
	joinCmd := &cobra.Command{
		Use:   "join <room-id>",
		Short: "Join a room and stay in it, printing broadcasts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := model.ParseRoomID(args[0])
			if err != nil {
				return err
			}
			c, err := connect(true)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Send(protocol.ClientJoinRoom{ID: id, Monitor: monitor}); err != nil {
				return err
			}
			got, err := c.RecvUntil(responseTimeout, func(sc protocol.ServerCommand) bool {
				_, ok := sc.(protocol.ServerJoinRoomResponse)
				return ok
			})
			if err != nil {
				return err
			}
			resp := got.(protocol.ServerJoinRoomResponse)
			if !resp.OK() {
				return fmt.Errorf("server: %s", resp.Err)
			}
			fmt.Printf("joined (live=%v, %d users)\n", resp.Live, len(resp.Users))
			return watch(c)
		},
	}
	joinCmd.Flags().BoolVar(&monitor, "monitor", false, "Join as a monitor")
	return joinCmd
}

// oneShot runs an authenticated command against the user's current room by
// resuming the session, issuing the command, and exiting.
func oneShot(cmd protocol.ClientCommand, match func(protocol.ServerCommand) (protocol.Result, bool)) error {
	c, err := connect(true)
	if err != nil {
		return err
	}
	defer c.Close()
	return request(c, cmd, match)
}

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <message>",
		Short: "Send a chat message to the current room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(protocol.ClientChat{Message: args[0]}, func(sc protocol.ServerCommand) (protocol.Result, bool) {
				r, ok := sc.(protocol.ServerChatResponse)
				return r.Result, ok
			})
		},
	}
}

func newSelectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "select <chart-id>",
		Short: "Select a chart in the current room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int32
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("chart id must be an integer: %w", err)
			}
			return oneShot(protocol.ClientSelectChart{ID: id}, func(sc protocol.ServerCommand) (protocol.Result, bool) {
				r, ok := sc.(protocol.ServerSelectChartResponse)
				return r.Result, ok
			})
		},
	}
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Request game start in the current room",
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(protocol.ClientRequestStart{}, func(sc protocol.ServerCommand) (protocol.Result, bool) {
				r, ok := sc.(protocol.ServerRequestStartResponse)
				return r.Result, ok
			})
		},
	}
}

func newReadyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Confirm readiness in the current room",
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(protocol.ClientReady{}, func(sc protocol.ServerCommand) (protocol.Result, bool) {
				r, ok := sc.(protocol.ServerReadyResponse)
				return r.Result, ok
			})
		},
	}
}

func newPlayedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "played <record-id>",
		Short: "Report a finished game by record id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int32
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("record id must be an integer: %w", err)
			}
			return oneShot(protocol.ClientPlayed{RecordID: id}, func(sc protocol.ServerCommand) (protocol.Result, bool) {
				r, ok := sc.(protocol.ServerPlayedResponse)
				return r.Result, ok
			})
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Resume the current session and print every broadcast",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(true)
			if err != nil {
				return err
			}
			defer c.Close()
			return watch(c)
		},
	}
}

// watch prints broadcasts until the connection drops, pinging to stay alive.
func watch(c *Client) error {
	for {
		cmd, err := c.Recv(4 * time.Second)
		if err != nil {
			var nerr interface{ Timeout() bool }
			if errors.As(err, &nerr) && nerr.Timeout() {
				if perr := c.Send(protocol.ClientPing{}); perr != nil {
					return perr
				}
				continue
			}
			return err
		}
		printCommand(cmd)
	}
}

func printCommand(cmd protocol.ServerCommand) {
	switch c := cmd.(type) {
	case protocol.ServerPong:
	case protocol.ServerMessage:
		fmt.Printf("message: %#v\n", c.Message)
	case protocol.ServerChangeState:
		fmt.Printf("state: stage=%d\n", c.State.Stage)
	case protocol.ServerChangeHost:
		fmt.Printf("host: %v\n", c.IsHost)
	case protocol.ServerOnJoinRoom:
		fmt.Printf("joined: %s (%d)\n", c.User.Name, c.User.ID)
	case protocol.ServerTouches:
		fmt.Printf("touches: player=%d frames=%d\n", c.Player, len(c.Frames))
	case protocol.ServerJudges:
		fmt.Printf("judges: player=%d events=%d\n", c.Player, len(c.Judges))
	default:
		fmt.Printf("%#v\n", cmd)
	}
}
