//go:build !no_automation

package automation

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// TelegramConfig holds configuration for the telegram Lua module.
type TelegramConfig struct {
	BotToken string
	ChatIDs  []string
}

// registerTelegramModule registers the `telegram` global table in a Lua
// state. Rules use it for push alerts ("battery below 20%").
func registerTelegramModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("send", L.NewFunction(func(L *lua.LState) int {
		return telegramSend(L, e)
	}))

	L.SetGlobal("telegram", mod)
}

// telegram.send(msg) posts msg to every configured chat. Sends run in
// their own goroutines so a slow Telegram API cannot stall a reading
// handler.
func telegramSend(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)

	if e.telegramCfg.BotToken == "" || len(e.telegramCfg.ChatIDs) == 0 {
		e.logger.Warn("telegram.send: bot not configured")
		return 0
	}

	for _, chatID := range e.telegramCfg.ChatIDs {
		go e.sendTelegram(chatID, msg)
	}
	return 0
}

func (e *Engine) sendTelegram(chatID, text string) {
	body, err := json.Marshal(map[string]string{"chat_id": chatID, "text": text})
	if err != nil {
		e.logger.Error("telegram marshal", "err", err)
		return
	}

	url := "https://api.telegram.org/bot" + e.telegramCfg.BotToken + "/sendMessage"
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		e.logger.Error("telegram send", "chat_id", chatID, "err", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e.logger.Warn("telegram send rejected", "status", resp.StatusCode, "chat_id", chatID)
	}
}
