package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matheus3301/convsync/internal/api"
	"github.com/matheus3301/convsync/internal/profile"
)

var (
	sendAttachments []string
	typingStop      bool
	deleteReason    string
	markUnread      bool
	listUserID      string
	listRole        string
)

func init() {
	sendCmd.Flags().StringSliceVar(&sendAttachments, "attach", nil, "attachment id (repeatable)")
	typingCmd.Flags().BoolVar(&typingStop, "stop", false, "send a stopped-typing signal")
	deleteCmd.Flags().StringVar(&deleteReason, "reason", "", "reason recorded with the deletion")
	markReadCmd.Flags().BoolVar(&markUnread, "unread", false, "mark as unread instead")
	conversationsCmd.Flags().StringVar(&listUserID, "user", "", "user id (defaults to the profile identity)")
	conversationsCmd.Flags().StringVar(&listRole, "role", "", "customer or supplier (defaults to the profile identity)")

	rootCmd.AddCommand(
		statusCmd,
		conversationsCmd,
		messagesCmd,
		unsubscribeCmd,
		sendCmd,
		readCmd,
		typingCmd,
		deleteCmd,
		markReadCmd,
		undoCmd,
		watchCmd,
	)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection state, subscriptions and recent bulk operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(api.MethodGetStatus, nil)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(resp)
			return nil
		}
		fmt.Printf("Profile: %s\n", str(resp, "profile"))
		fmt.Printf("User:    %s (%s)\n", str(resp, "user_id"), str(resp, "role"))
		fmt.Printf("State:   %s since %s\n", str(resp, "state"), str(resp, "since"))
		fmt.Printf("Unread:  %d\n", num(resp, "unread"))

		subs := list(resp, "subscriptions")
		fmt.Printf("\nSubscriptions (%d):\n", len(subs))
		for _, s := range subs {
			fmt.Printf("  %-40s %s\n", str(s, "key"), str(s, "mode"))
		}

		ops := list(resp, "operations")
		if len(ops) > 0 {
			fmt.Printf("\nOperations (%d):\n", len(ops))
			for _, op := range ops {
				printOperation(op)
			}
		}
		return nil
	},
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations and keep the list subscribed",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(api.MethodListConversations, map[string]any{"user_id": listUserID, "role": listRole})
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(resp)
			return nil
		}
		convs := list(resp, "conversations")
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			unread := ""
			if n := num(c, "unread_count"); n > 0 {
				unread = fmt.Sprintf(" [%d unread]", n)
			}
			fmt.Printf("%-24s %-24s %s%s\n", str(c, "id"), str(c, "counterpart_name"), str(c, "last_message_preview"), unread)
		}
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation and keep it subscribed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(api.MethodListMessages, map[string]any{"conversation_id": args[0]})
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(resp)
			return nil
		}
		for _, m := range list(resp, "messages") {
			read := " "
			if m["read"] == true {
				read = "✓"
			}
			fmt.Printf("%s %s %-16s %s", read, str(m, "timestamp"), str(m, "sender_name"), str(m, "body"))
			if atts := list(m, "attachments"); len(atts) > 0 {
				fmt.Printf(" (+%d attachments)", len(atts))
			}
			fmt.Println()
		}
		if typing, _ := resp["typing"].([]any); len(typing) > 0 {
			fmt.Printf("typing: %v\n", typing)
		}
		return nil
	},
}

var unsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe <conversation-id>",
	Short: "Stop tracking a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(api.MethodUnsubscribe, map[string]any{"conversation_id": args[0]})
		if err != nil {
			return err
		}
		fmt.Printf("Unsubscribed %s\n", str(resp, "key"))
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text...>",
	Short: "Queue a message for sending",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		atts := make([]any, 0, len(sendAttachments))
		for _, a := range sendAttachments {
			atts = append(atts, a)
		}
		resp, err := call(api.MethodSendMessage, map[string]any{
			"conversation_id": args[0],
			"body":            strings.Join(args[1:], " "),
			"attachments":     atts,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(resp)
			return nil
		}
		fmt.Printf("Queued %s\n", str(resp, "client_message_id"))
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Send a read receipt for a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := call(api.MethodMarkRead, map[string]any{"conversation_id": args[0]})
		return err
	},
}

var typingCmd = &cobra.Command{
	Use:   "typing <conversation-id>",
	Short: "Send a typing signal (expires on its own)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := call(api.MethodSetTyping, map[string]any{"conversation_id": args[0], "typing": !typingStop})
		return err
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <thread-id> <message-id...>",
	Short: "Delete up to 100 messages; prints the undo token",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(api.MethodBulkDelete, map[string]any{
			"thread_id":   args[0],
			"message_ids": toAny(args[1:]),
			"reason":      deleteReason,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(resp)
			return nil
		}
		printOperation(resp)
		if tok := str(resp, "undo_token"); tok != "" {
			fmt.Printf("undo with: convsyncctl undo %s %s\n", str(resp, "id"), tok)
		}
		return nil
	},
}

var markReadCmd = &cobra.Command{
	Use:   "mark-read <message-id...>",
	Short: "Mark up to 100 messages read",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(api.MethodBulkMarkRead, map[string]any{
			"message_ids": toAny(args),
			"is_read":     !markUnread,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(resp)
			return nil
		}
		printOperation(resp)
		return nil
	},
}

var undoCmd = &cobra.Command{
	Use:   "undo <operation-id> <undo-token>",
	Short: "Restore messages removed by a bulk delete",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(api.MethodUndoOperation, map[string]any{"operation_id": args[0], "undo_token": args[1]})
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(resp)
			return nil
		}
		fmt.Printf("Restored %d messages\n", num(resp, "restored_count"))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [namespace]",
	Short: "Stream daemon events, optionally filtered by kind prefix",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := activeProfile()
		if err != nil {
			return err
		}
		c, err := api.Dial(profile.SocketPath(name))
		if err != nil {
			return fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
		}
		defer func() { _ = c.Close() }()

		ns := ""
		if len(args) == 1 {
			ns = args[0]
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		err = c.Watch(ctx, ns, func(evt map[string]any) error {
			if jsonOutput {
				outputJSON(evt)
				return nil
			}
			fmt.Printf("%s %-32s %v\n", str(evt, "at"), str(evt, "kind"), evt["payload"])
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func printOperation(op map[string]any) {
	undo := ""
	if op["undoable"] == true {
		undo = " undoable until " + str(op, "expires_at")
	}
	fmt.Printf("  %s %-9s %3d items  %-8s%s\n", str(op, "id"), str(op, "kind"), num(op, "target_count"), str(op, "state"), undo)
}

func toAny(in []string) []any {
	out := make([]any, 0, len(in))
	for _, v := range in {
		out = append(out, v)
	}
	return out
}
