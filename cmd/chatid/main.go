// Command chatid prints the chat ids the bot can currently see. Send any
// message in the target group, run this, and copy the id into TG_CHAT_ID.
package main

import (
	"fmt"
	"log"
	"os"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	token := os.Getenv("TG_BOT_API_TOKEN")
	if token == "" {
		log.Fatal("TG_BOT_API_TOKEN is required")
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Fatal(err)
	}

	updates, err := bot.GetUpdates(tgbotapi.UpdateConfig{Limit: 100})
	if err != nil {
		log.Fatal(err)
	}
	if len(updates) == 0 {
		fmt.Println("no recent updates; send a message in the target chat and run again")
		return
	}

	seen := make(map[int64]bool)
	for _, u := range updates {
		msg := u.Message
		if msg == nil || msg.Chat == nil {
			continue
		}
		chat := msg.Chat
		if seen[chat.ID] {
			continue
		}
		seen[chat.ID] = true

		name := chat.Title
		if name == "" {
			name = chat.UserName
		}
		fmt.Printf("chat %d: %s (%s)\n", chat.ID, name, chat.Type)
	}
}
