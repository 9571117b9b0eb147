package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// open
	openCustomer     string
	openCustomerName string
	openShop         string
	openShopName     string

	// send
	sendType string
)

func init() {
	rootCmd.AddCommand(roomsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(deleteCmd)

	openCmd.Flags().StringVar(&openCustomer, "customer", "", "Customer user id (defaults to the participant when acting as customer)")
	openCmd.Flags().StringVar(&openCustomerName, "customer-name", "", "Customer display name")
	openCmd.Flags().StringVar(&openShop, "shop", "", "Shop id (defaults to the participant when acting as shop)")
	openCmd.Flags().StringVar(&openShopName, "shop-name", "", "Shop display name")

	sendCmd.Flags().StringVar(&sendType, "type", string(chatsync.MessageText), "Message type: text, image, file or system")
}

// ============================================================================
// rooms
// ============================================================================

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List the participant's chatrooms, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx, nil)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.loadRooms(ctx); err != nil {
			return err
		}

		rooms := s.engine.Chatrooms()
		if jsonOutput {
			return printJSON(rooms)
		}
		if len(rooms) == 0 {
			fmt.Println("No chatrooms found.")
			return nil
		}
		role := s.engine.Role()
		for _, r := range rooms {
			fmt.Printf("%s  %-20s %-20s unread:%d  %s\n",
				r.ID,
				valueOrDefault(r.CustomerName, r.CustomerID),
				valueOrDefault(r.LastMessage.ShopName, r.LastMessage.ShopID),
				r.UnreadFor(role),
				r.Recency().Local().Format(time.DateTime))
			if r.LastMessage.Content != "" {
				fmt.Printf("    %s: %s\n", r.LastMessage.SenderName, r.LastMessage.Content)
			}
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <room-id>",
	Short: "Print a room's messages, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx, nil)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.openRoom(ctx, args[0]); err != nil {
			return err
		}

		msgs := s.engine.Messages()
		if jsonOutput {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			fmt.Printf("[%s] %s: %s\n", m.Timestamp.Local().Format(time.DateTime), valueOrDefault(m.SenderName, m.SenderID), m.Content)
		}
		return nil
	},
}

// ============================================================================
// open
// ============================================================================

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Open (or reuse) the chatroom between a customer and a shop",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx, nil)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.loadRooms(ctx); err != nil {
			return err
		}

		req := chatsync.NewChatroom{
			CustomerID:   openCustomer,
			CustomerName: openCustomerName,
			ShopID:       openShop,
			ShopName:     openShopName,
		}
		if s.engine.Role() == chatsync.RoleShop {
			req.ShopID = valueOrDefault(req.ShopID, s.cfg.Auth.UserID)
			req.ShopName = valueOrDefault(req.ShopName, s.cfg.Auth.DisplayName)
		} else {
			req.CustomerID = valueOrDefault(req.CustomerID, s.cfg.Auth.UserID)
			req.CustomerName = valueOrDefault(req.CustomerName, s.cfg.Auth.DisplayName)
		}

		room, err := s.engine.CreateChatroom(ctx, req)
		if err != nil {
			return fmt.Errorf("open chatroom: %w", err)
		}
		if jsonOutput {
			return printJSON(room)
		}
		fmt.Printf("Chatroom %s (customer %s, shop %s)\n", room.ID, room.CustomerID, room.LastMessage.ShopID)
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <room-id> <content>",
	Short: "Send a message to a room",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, content := args[0], args[1]
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx, nil)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.openRoom(ctx, roomID); err != nil {
			return err
		}
		if err := s.engine.CanSend(); err != nil {
			return fmt.Errorf("cannot send: %w", err)
		}

		s.drain()
		s.engine.SendMessage(ctx, content, chatsync.MessageType(sendType))
		ev, err := s.await(ctx, 15*time.Second, chatsync.EventMessageSent, chatsync.EventMessageFailed, chatsync.EventMessageSkipped)
		if err != nil {
			return err
		}
		switch ev.name {
		case chatsync.EventMessageSent:
			msg := ev.payload.(chatsync.Message)
			if jsonOutput {
				return printJSON(msg)
			}
			fmt.Printf("Message sent to room %s\n", roomID)
			fmt.Printf("  Message ID: %s\n", msg.ID)
			fmt.Printf("  Content:    %s\n", msg.Content)
			return nil
		default:
			return fmt.Errorf("send failed: %v", ev.payload)
		}
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <room-id>",
	Short: "Mark a room as read for the participant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx, nil)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.loadRooms(ctx); err != nil {
			return err
		}

		room, ok := findRoom(s.engine.Chatrooms(), args[0])
		if !ok {
			return fmt.Errorf("room %s not found", args[0])
		}
		unread := room.UnreadFor(s.engine.Role())
		if err := s.engine.MarkAsRead(ctx, room.ID); err != nil {
			return fmt.Errorf("mark as read: %w", err)
		}
		if unread == 0 {
			fmt.Println("Nothing unread.")
			return nil
		}
		fmt.Printf("Marked %d message(s) read in %s\n", unread, room.ID)
		return nil
	},
}

// ============================================================================
// delete
// ============================================================================

var deleteCmd = &cobra.Command{
	Use:   "delete <room-id>",
	Short: "Soft-delete a chatroom",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx, nil)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.loadRooms(ctx); err != nil {
			return err
		}
		if err := s.engine.DeleteChatroom(ctx, args[0]); err != nil {
			return fmt.Errorf("delete chatroom: %w", err)
		}
		fmt.Printf("Chatroom %s deleted\n", args[0])
		return nil
	},
}
