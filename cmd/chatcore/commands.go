// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aiku/chatcore/pkg/chat"
)

// userConfig is the CLI's own credentials block in the same yaml file the
// engine config lives in.
type userConfig struct {
	User struct {
		Email   string `yaml:"email"`
		UserKey string `yaml:"user_key"`
		Name    string `yaml:"name"`
	} `yaml:"user"`
}

func buildClient(ctx context.Context) (*chat.Client, error) {
	cfg, err := chat.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var user userConfig
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if user.User.Email == "" || user.User.UserKey == "" {
		return nil, fmt.Errorf("user.email and user.user_key are required")
	}
	cfg.Log = newLogger()
	client, err := chat.New(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := client.LoginWithUserKey(ctx, user.User.Email, user.User.UserKey, user.User.Name, ""); err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	return client, nil
}

var watchRoomID int64

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect and print live room events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		client, err := buildClient(ctx)
		if err != nil {
			return err
		}
		defer client.Disconnect()

		client.OnNewMessage(func(m *chat.Message) {
			fmt.Printf("[%s] %s: %s\n", m.Timestamp.Format(time.Kitchen), m.Username, m.Text)
		})
		client.OnMessageRead(func(ev chat.StatusEvent) {
			fmt.Printf("  (read) %s\n", ev.Message.UniqueID)
		})
		client.OnMessageDelivered(func(ev chat.StatusEvent) {
			fmt.Printf("  (delivered) %s\n", ev.Message.UniqueID)
		})
		client.OnTyping(func(ev chat.TypingEvent) {
			if ev.Typing {
				fmt.Printf("  %s is typing...\n", ev.Email)
			}
		})
		client.OnRoomCleared(func(roomID int64) {
			fmt.Printf("  room %d cleared\n", roomID)
		})

		if err := client.Connect(ctx); err != nil {
			return err
		}
		if watchRoomID != 0 {
			if _, err := client.ChatRoom(ctx, watchRoomID); err != nil {
				return err
			}
		}

		<-ctx.Done()
		return nil
	},
}

var sendRoomID int64

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send a text message to a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		client, err := buildClient(ctx)
		if err != nil {
			return err
		}
		msg, err := client.SendMessage(ctx, chat.SendRequest{
			RoomID: sendRoomID,
			Text:   args[0],
		})
		if err != nil {
			return err
		}
		fmt.Printf("sent id=%d unique_id=%s\n", msg.ID, msg.UniqueID)
		return nil
	},
}

func init() {
	watchCmd.Flags().Int64Var(&watchRoomID, "room", 0, "room id to open as active")
	sendCmd.Flags().Int64Var(&sendRoomID, "room", 0, "room id")
	sendCmd.MarkFlagRequired("room")
}
