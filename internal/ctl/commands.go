package ctl

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"pulsehub/pkg/auth"
)

func newSignCmd(o *options) *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "sign [user-id]",
		Short: "Sign a user id for frontend clients",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user := strings.TrimSpace(args[0])
			if local {
				p, err := o.profile()
				if err != nil {
					return err
				}
				if p.BackendKey == "" {
					return fmt.Errorf("--local needs a backend key")
				}
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"userId":    user,
					"signature": auth.CreateHMACSignature(user, p.BackendKey),
				})
			}
			c, err := o.backend()
			if err != nil {
				return err
			}
			var out map[string]string
			if err := c.Do("POST", "/v1/sign", map[string]string{"userId": user}, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "sign with the backend key locally instead of calling the server")
	return cmd
}

func newThreadCmd(o *options) *cobra.Command {
	var kind, title, policy string
	var participants []string
	cmd := &cobra.Command{
		Use:   "thread [scope] [id]",
		Short: "Create a channel, dm or live chat thread",
		Long: `Create a thread. Channels need an id; dm and live_chat threads need
exactly two --participant flags and derive their id from the pair.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.backend()
			if err != nil {
				return err
			}
			body := map[string]interface{}{"scope": args[0], "kind": kind, "title": title}
			if len(args) == 2 {
				body["id"] = args[1]
			}
			if len(participants) > 0 {
				body["participants"] = participants
			}
			if policy != "" {
				body["policy"] = policy
			}
			var out json.RawMessage
			if err := c.Do("POST", "/v1/threads", body, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "channel", "channel, dm or live_chat")
	cmd.Flags().StringVar(&title, "title", "", "thread title")
	cmd.Flags().StringVar(&policy, "policy", "", "channel policy: open, waitlist_only or locked")
	cmd.Flags().StringArrayVar(&participants, "participant", nil, "pair thread participant (repeat twice)")
	return cmd
}

func newPresenceCmd(o *options) *cobra.Command {
	var as string
	cmd := &cobra.Command{
		Use:   "presence [scope]",
		Short: "List identities live in a scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.backend()
			if err != nil {
				return err
			}
			if as == "" {
				return fmt.Errorf("--as is required: presence is only visible to scope members")
			}
			var out struct {
				Scope string   `json:"scope"`
				Live  []string `json:"live"`
			}
			if err := c.As(as).Do("GET", "/v1/presence/"+url.PathEscape(args[0]), nil, &out); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s: %d live\n", out.Scope, len(out.Live))
			for _, id := range out.Live {
				fmt.Fprintf(w, "  %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "member identity to look as")
	return cmd
}

func newAnnounceCmd(o *options) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "announce [scope] [text...]",
		Short: "Send a founder announcement to every approved member",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.backend()
			if err != nil {
				return err
			}
			var out struct {
				Scope      string `json:"scope"`
				Recipients int    `json:"recipients"`
			}
			body := map[string]string{"from": from, "text": strings.Join(args[1:], " ")}
			if err := c.Do("POST", "/v1/scopes/"+url.PathEscape(args[0])+"/announcements", body, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "announced to %d members of %s\n", out.Recipients, out.Scope)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "founder identity")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func newNotifyCmd(o *options) *cobra.Command {
	var thread, payload string
	cmd := &cobra.Command{
		Use:   "notify [recipient] [type]",
		Short: "Dispatch a domain notification (waitlist decision, badge)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.backend()
			if err != nil {
				return err
			}
			body := map[string]interface{}{"recipient": args[0], "type": args[1]}
			if thread != "" {
				body["thread"] = thread
			}
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("--payload is not valid JSON")
				}
				body["payload"] = json.RawMessage(payload)
			}
			var out map[string]interface{}
			if err := c.Do("POST", "/v1/notifications", body, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&thread, "thread", "", "related thread id")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	return cmd
}

func newMemberCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "member [scope] [identity] [role]",
		Short: "Set a member role (static membership only)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.backend()
			if err != nil {
				return err
			}
			path := "/v1/scopes/" + url.PathEscape(args[0]) + "/members/" + url.PathEscape(args[1])
			var out json.RawMessage
			if err := c.Do("PUT", path, map[string]string{"role": args[2]}, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newStatsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show connection, presence and outbox counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.admin()
			if err != nil {
				return err
			}
			var out struct {
				Connections   int `json:"connections"`
				Identities    int `json:"identities"`
				LivePresence  int `json:"live_presence"`
				OutboxPending int `json:"outbox_pending"`
			}
			if err := c.Do("GET", "/admin/stats", nil, &out); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "connections:    %d\n", out.Connections)
			fmt.Fprintf(w, "identities:     %d\n", out.Identities)
			fmt.Fprintf(w, "live presence:  %d\n", out.LivePresence)
			fmt.Fprintf(w, "outbox pending: %d\n", out.OutboxPending)
			return nil
		},
	}
}
