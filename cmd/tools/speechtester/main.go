package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/medivoice/backend/internal/config"
	"github.com/zhouzirui/medivoice/backend/internal/logger"
	"github.com/zhouzirui/medivoice/backend/internal/model/language"
	"github.com/zhouzirui/medivoice/backend/internal/service/speech"
)

func main() {
	mode := flag.String("mode", "", "测试模式: stt 或 tts")
	audioPath := flag.String("audio", "", "STT 输入音频文件路径")
	text := flag.String("text", "", "TTS 输入文本")
	outputPath := flag.String("out", "", "TTS 输出音频文件路径 (默认根据格式自动生成)")
	lang := flag.String("lang", language.English, "会话语言: english, yoruba, igbo, hausa")
	voice := flag.String("voice", "", "TTS 发音人，留空则按语言选择")
	session := flag.String("session", "", "自定义 sessionID，留空则自动生成")
	timeout := flag.Duration("timeout", 60*time.Second, "请求超时时间")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: 无法加载 .env，改用系统环境变量: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置加载失败: %v\n", err)
		os.Exit(1)
	}
	logger.New(logger.Config{Level: "debug", Pretty: true})

	if *mode != "stt" && *mode != "tts" {
		flag.Usage()
		log.Fatal().Msg("请通过 -mode=stt 或 -mode=tts 指定测试模式")
	}

	sessionID := *session
	if sessionID == "" {
		sessionID = fmt.Sprintf("manual-%d", time.Now().UnixNano())
	}

	svc := speech.NewService(speech.Config{
		STTURL:       cfg.Speech.STTURL,
		TTSURL:       cfg.Speech.TTSURL,
		APIKey:       cfg.Speech.APIKey,
		STTTimeout:   cfg.Speech.STTTimeout,
		TTSTimeout:   cfg.Speech.TTSTimeout,
		MaxTTSChars:  cfg.Speech.TTSMaxChars,
		DefaultVoice: cfg.Speech.DefaultVoice,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *mode {
	case "stt":
		if !cfg.Speech.STTEnabled() {
			log.Fatal().Msg("STT_URL 未配置")
		}
		runSTT(ctx, svc, sessionID, *audioPath, *lang)
	case "tts":
		if !cfg.Speech.TTSEnabled() {
			log.Fatal().Msg("TTS_URL 未配置")
		}
		runTTS(ctx, svc, sessionID, *text, *voice, *lang, *outputPath)
	}
}

func runSTT(ctx context.Context, svc *speech.Service, sessionID, audioPath, lang string) {
	if audioPath == "" {
		log.Fatal().Msg("STT 模式需要通过 -audio 指定音频文件路径")
	}

	audio, err := os.ReadFile(audioPath)
	if err != nil {
		log.Fatal().Err(err).Msg("读取音频文件失败")
	}

	log.Info().Str("session_id", sessionID).Str("language", lang).Int("bytes", len(audio)).Msg("开始进行 STT 测试")

	resp, err := svc.TranscribeBuffer(ctx, sessionID, audio, filepath.Base(audioPath), lang)
	if err != nil {
		log.Fatal().Err(err).Msg("STT 调用失败")
	}

	log.Info().Str("text", resp.Text).Int64("duration_ms", resp.Duration).Msg("STT 识别成功")
}

func runTTS(ctx context.Context, svc *speech.Service, sessionID, text, voice, lang, outputPath string) {
	if text == "" {
		log.Fatal().Msg("TTS 模式需要通过 -text 提供待合成文本")
	}

	log.Info().Str("session_id", sessionID).Str("language", lang).Msg("开始进行 TTS 测试")

	resp, err := svc.SynthesizeToBuffer(ctx, sessionID, text, voice, lang)
	if err != nil {
		log.Fatal().Err(err).Msg("TTS 调用失败")
	}

	if outputPath == "" {
		outputPath = fmt.Sprintf("tts-output-%d.%s", time.Now().Unix(), resp.Format)
	}
	if err := os.WriteFile(outputPath, resp.Audio, 0o644); err != nil {
		log.Fatal().Err(err).Msg("写入音频文件失败")
	}

	log.Info().
		Str("out", outputPath).
		Str("voice", resp.Voice).
		Bool("truncated", resp.Truncated).
		Int64("duration_ms", resp.Duration).
		Msg("TTS 合成成功")
}
