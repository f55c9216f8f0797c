package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/stellarlinkco/markbot/internal/bus"
	"github.com/stellarlinkco/markbot/internal/meme"
	"github.com/stellarlinkco/markbot/internal/responder"
)

const (
	cmdRespond = "respond"
	cmdHelp    = "help"
	cmdTrain   = "train"
	cmdRegen   = "regen"
	cmdDebug   = "debug"
	cmdTTS     = "tts"
	cmdForce   = "force"
	cmdChatty  = "chatty"
	cmdPick    = "pick"
	cmdMeme    = "meme"
)

var knownCommands = map[string]bool{
	cmdHelp: true, cmdTrain: true, cmdRegen: true, cmdDebug: true, cmdTTS: true,
	cmdForce: true, cmdChatty: true, cmdPick: true, cmdMeme: true,
}

var pickSeparator = regexp.MustCompile(`(?i)\s+or\s+`)

// parseCommand recognises "<prefix>" alone as respond and "<prefix> <name> [args]"
// for known names. Anything else is ordinary chat.
func parseCommand(prefix, content string) (cmd, args string) {
	if prefix == "" {
		return "", ""
	}
	fields := strings.SplitN(content, " ", 3)
	if !strings.EqualFold(fields[0], prefix) {
		return "", ""
	}
	if len(fields) == 1 {
		return cmdRespond, ""
	}
	name := strings.ToLower(fields[1])
	if !knownCommands[name] {
		return "", ""
	}
	if len(fields) == 3 {
		args = strings.TrimSpace(fields[2])
	}
	return name, args
}

type respondOpts struct {
	kind   string
	tts    bool
	debug  bool
	forced bool
	topics []string
	// quiet suppresses the failure reaction for forced output.
	quiet bool
}

func (g *Gateway) handleCommand(ctx context.Context, msg bus.InboundMessage, cmd, args string) {
	switch cmd {
	case cmdRespond:
		g.goRespond(msg, respondOpts{kind: cmdRespond, tts: msg.TTS})
	case cmdTTS:
		g.goRespond(msg, respondOpts{kind: cmdTTS, tts: true})
	case cmdDebug:
		g.goRespond(msg, respondOpts{kind: cmdDebug, tts: msg.TTS, debug: true})
	case cmdForce:
		g.goRespond(msg, respondOpts{
			kind:   cmdForce,
			tts:    msg.TTS,
			forced: true,
			topics: responder.Topics(args),
			quiet:  g.cfg.Bot.QuietForceFailures,
		})
	case cmdHelp:
		g.reply(msg, helpText(g.cfg.Bot.Prefix), "")
	case cmdRegen:
		g.goBackground(func() {
			stats, err := g.regen()
			if err != nil {
				g.reply(msg, "Regeneration failed, the current model stays in use.", "")
				return
			}
			g.reply(msg, fmt.Sprintf("Regenerated the corpus from %d messages.", stats.Records), "")
		})
	case cmdTrain:
		g.train(ctx, msg)
	case cmdChatty:
		g.setChatty(msg, args)
	case cmdPick:
		g.pick(msg, args)
	case cmdMeme:
		g.goBackground(func() { g.makeMeme(ctx, msg) })
	}
}

func (g *Gateway) goBackground(fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

func (g *Gateway) goRespond(msg bus.InboundMessage, opts respondOpts) {
	g.goBackground(func() { g.respond(msg, opts) })
}

func (g *Gateway) constraints() responder.Constraints {
	return responder.Constraints{
		MinScore:    g.cfg.Markov.MinScore,
		MinRefs:     g.cfg.Markov.MinRefs,
		MaxAttempts: g.cfg.Markov.MaxTries,
	}
}

func (g *Gateway) respond(msg bus.InboundMessage, opts respondOpts) {
	c := g.constraints()
	c.RequiredWords = opts.topics

	var (
		res *responder.Result
		err error
	)
	if opts.forced && len(opts.topics) == 0 {
		// Nothing left after stop-word removal can ever match.
		err = &responder.ExhaustedError{}
	} else {
		res, err = g.selector.Generate(c)
	}

	if err != nil {
		g.metrics.observeFailure(err)
		log.Printf("[gateway] %s for %s failed: %v", opts.kind, msg.SessionKey(), err)
		if opts.debug {
			g.reply(msg, fmt.Sprintf("```\nERROR: %v\n```", err), "")
		}
		if opts.forced && !opts.quiet && errors.Is(err, responder.ErrGenerationExhausted) {
			g.publish(bus.OutboundMessage{
				Channel:  msg.Channel,
				ChatID:   msg.ChatID,
				ReplyTo:  msg.MessageID,
				Reaction: g.cfg.Bot.FailureReaction,
			})
		}
		return
	}

	g.metrics.observeResult(opts.kind, res.Attempts)
	out := bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: g.prefixed(res.Text),
		TTS:     opts.tts,
	}
	if res.Attachment != "" {
		out.Media = []string{res.Attachment}
	}
	g.publish(out)

	if opts.debug {
		dump, _ := json.MarshalIndent(res, "", "  ")
		g.reply(msg, "```\n"+string(dump)+"\n```", "")
	}
}

func (g *Gateway) train(ctx context.Context, msg bus.InboundMessage) {
	if !g.channels.IsModerator(msg.Channel, msg.SenderID, msg.ChatID) {
		log.Printf("[gateway] train refused for %s/%s", msg.Channel, msg.SenderID)
		return
	}
	history, ok := g.channels.History(msg.Channel)
	if !ok {
		g.reply(msg, "Training needs the chat history, which this channel cannot provide.", "")
		return
	}

	g.goBackground(func() {
		records, err := history.FetchHistory(ctx, msg.ChatID)
		if err != nil {
			log.Printf("[gateway] train fetch failed: %v", err)
			g.reply(msg, "Could not read the channel history.", "")
			return
		}
		log.Printf("[gateway] trained from %d past human authored messages", len(records))
		start := time.Now()
		_, err = g.pipeline.Retrain(records)
		g.metrics.observeRegen(err, time.Since(start))
		if err != nil {
			log.Printf("[gateway] retrain failed: %v", err)
			g.reply(msg, "Training failed, the current model stays in use.", "")
			return
		}
		g.publish(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			ReplyTo: msg.MessageID,
			Content: fmt.Sprintf("Finished training from past %d messages.", len(records)),
		})
	})
}

func (g *Gateway) setChatty(msg bus.InboundMessage, args string) {
	target := strings.TrimSpace(args)
	g.mu.Lock()
	if target == "" {
		current := g.chatty
		g.mu.Unlock()
		if current == "" {
			g.reply(msg, "Chatty mode is off.", "")
		} else {
			g.reply(msg, "Chatty mode is on in "+current+".", "")
		}
		return
	}
	off := strings.EqualFold(target, "off")
	if off {
		g.chatty = ""
	} else {
		g.chatty = target
	}
	g.mu.Unlock()

	if off {
		g.reply(msg, "Chatty mode turned off.", "")
		return
	}
	g.reply(msg, "Chatty mode turned on for "+target+".", "")
}

func (g *Gateway) pick(msg bus.InboundMessage, args string) {
	var options []string
	for _, opt := range pickSeparator.Split(args, -1) {
		if opt = strings.TrimSpace(opt); opt != "" {
			options = append(options, opt)
		}
	}
	if len(options) < 2 {
		g.reply(msg, "Give me at least two options separated by `or`.", "")
		return
	}
	g.mu.Lock()
	choice := options[g.rng.IntN(len(options))]
	g.mu.Unlock()
	g.reply(msg, responder.Sanitize(choice), "")
}

func (g *Gateway) makeMeme(ctx context.Context, msg bus.InboundMessage) {
	if !g.meme.Enabled() {
		g.reply(msg, "Meme generation is not configured.", "")
		return
	}

	c := g.constraints()
	c.MaxWords = g.cfg.Meme.MaxWords
	var captions [2]string
	for i := range captions {
		res, err := g.selector.Generate(c)
		if err != nil {
			g.metrics.observeFailure(err)
			log.Printf("[gateway] meme caption failed: %v", err)
			g.reply(msg, "Error generating string!", "")
			return
		}
		captions[i] = res.Text
	}

	url, err := g.meme.Generate(ctx, captions[0], captions[1])
	if err != nil {
		log.Printf("[gateway] meme for %q / %q failed: %v", truncate(captions[0], 40), truncate(captions[1], 40), err)
		if errors.Is(err, meme.ErrUpstream) {
			g.reply(msg, "There was an error!", "")
		} else {
			g.reply(msg, "Meme generation is not configured.", "")
		}
		return
	}
	g.metrics.Responses.WithLabelValues(cmdMeme).Inc()
	g.reply(msg, url, "")
}

func helpText(prefix string) string {
	lines := []struct{ usage, desc string }{
		{prefix, "Say something based on what has been said here. Send it as TTS to get TTS back."},
		{prefix + " force <words>", "Try to say something that includes one of the words."},
		{prefix + " tts", "Say something as TTS."},
		{prefix + " debug", "Say something and follow up with the generation details."},
		{prefix + " pick <a> or <b> [or ...]", "Pick one of the options."},
		{prefix + " meme", "Caption a random meme template with two generated lines."},
		{prefix + " chatty <channel id|off>", "Speak up more often in one channel."},
		{prefix + " regen", "Fold recent chat into the model. Also runs daily."},
		{prefix + " train", "Moderators only. Replace the dataset with this channel's full history."},
	}
	var sb strings.Builder
	sb.WriteString("A Markov chain chatbot that speaks based on previous chat input.\n")
	for _, l := range lines {
		fmt.Fprintf(&sb, "\n**%s**\n%s", l.usage, l.desc)
	}
	return sb.String()
}
