package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

func newChatCmd() *cobra.Command {
	var host string
	var port int
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent from the terminal",
		Long:  "Connects to a running API server over websocket and chats interactively.",
		RunE: func(_ *cobra.Command, _ []string) error {
			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			return runChat(host, port, sessionID)
		},
	}

	cmd.Flags().StringVar(&host, "host", "localhost", "API server host")
	cmd.Flags().IntVar(&port, "port", 8000, "API server port")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to resume")
	return cmd
}

// chatFrame is the websocket wire shape in both directions.
type chatFrame struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	ToolName    string `json:"tool_name,omitempty"`
	Status      string `json:"status,omitempty"`
	ArgsSummary string `json:"args_summary,omitempty"`
}

func runChat(host string, port int, sessionID string) error {
	bold := color.New(color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	url := fmt.Sprintf("ws://%s:%d/ws/%s", host, port, sessionID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("cannot reach API server at %s:%d: %w", host, port, err)
	}
	defer conn.Close()

	fmt.Printf("%s session=%s\n", bold("Connected."), sessionID)
	fmt.Println(gray("Type a message, or /quit to exit."))

	rl, err := readline.New(bold("you> "))
	if err != nil {
		return err
	}
	defer rl.Close()

	// Incoming frames print between prompts.
	go func() {
		for {
			var frame chatFrame
			if err := conn.ReadJSON(&frame); err != nil {
				fmt.Println(yellow("\nconnection closed"))
				rl.Close()
				return
			}
			switch frame.Type {
			case "tool_call":
				if frame.Status == "started" {
					fmt.Printf("\r%s %s %s\n", gray("tool:"), frame.ToolName, gray(frame.ArgsSummary))
				}
			case "response":
				fmt.Printf("\r%s %s\n", green("agent>"), frame.Text)
			}
			rl.Refresh()
		}
	}()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			return nil
		}
		if err != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}

		payload, _ := json.Marshal(map[string]string{"type": "message", "text": line})
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
	}
}
